/*
Copyright 2024 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bootstrap

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"

	"github.com/pkg/errors"
	certificatesv1 "k8s.io/api/certificates/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	tokenutil "k8s.io/cluster-bootstrap/token/util"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

var (
	clientSignerName  = certificatesv1.KubeAPIServerClientKubeletSignerName
	clientUsages      = []certificatesv1.KeyUsage{certificatesv1.UsageDigitalSignature, certificatesv1.UsageKeyEncipherment, certificatesv1.UsageClientAuth}
	servingSignerName = certificatesv1.KubeletServingSignerName
	servingUsages     = []certificatesv1.KeyUsage{certificatesv1.UsageDigitalSignature, certificatesv1.UsageKeyEncipherment, certificatesv1.UsageServerAuth}
)

// csrSubject is the small set of fields the auth and serving CSRs
// differ on.
type csrSubject struct {
	commonName string
	dnsNames   []string
	ipAddress  string
}

// generateCSR builds an ECDSA P-256 keypair and a PEM-encoded
// certificate request for subj, organization fixed to "system:nodes"
// per spec §4.4.
func generateCSR(subj csrSubject) (*ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generating ECDSA keypair")
	}

	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   subj.commonName,
			Organization: []string{"system:nodes"},
		},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		DNSNames:           subj.dnsNames,
	}
	if subj.ipAddress != "" {
		if ip := net.ParseIP(subj.ipAddress); ip != nil {
			template.IPAddresses = []net.IP{ip}
		}
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating certificate request")
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
	return key, csrPEM, nil
}

// marshalECKey PEM-encodes key in SEC1 form, the shape client-go's own
// kubeconfig writer expects for ClientKeyData.
func marshalECKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// submitCSR POSTs name's CertificateSigningRequest, treating
// AlreadyExists as success (a restarted bootstrap may have already
// submitted it on a prior, interrupted run).
func submitCSR(ctx context.Context, client kubernetes.Interface, name string, csrPEM []byte, signerName string, usages []certificatesv1.KeyUsage) error {
	csr := &certificatesv1.CertificateSigningRequest{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: certificatesv1.CertificateSigningRequestSpec{
			Request:    csrPEM,
			SignerName: signerName,
			Usages:     usages,
		},
	}
	_, err := client.CertificatesV1().CertificateSigningRequests().Create(ctx, csr, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return err
	}
	return nil
}

// watchCSR opens a field-selector-scoped watch on name's CSR.
func watchCSR(ctx context.Context, client kubernetes.Interface, name string) (watch.Interface, error) {
	return client.CertificatesV1().CertificateSigningRequests().Watch(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("metadata.name=%s", name),
	})
}

// approvedCertificate inspects a watch event's CSR object and reports
// its certificate bytes once status.certificate is set AND an Approved
// condition is present, per spec §4.4.
func approvedCertificate(event watch.Event) ([]byte, bool) {
	csr, ok := event.Object.(*certificatesv1.CertificateSigningRequest)
	if !ok || len(csr.Status.Certificate) == 0 {
		return nil, false
	}
	for _, c := range csr.Status.Conditions {
		if c.Type == certificatesv1.CertificateApproved {
			return csr.Status.Certificate, true
		}
	}
	return nil, false
}

func loadBootstrapConfig(path string) (*clientcmdapi.Config, error) {
	return clientcmd.LoadFromFile(path)
}

func clientFromAPIConfig(raw *clientcmdapi.Config) (kubernetes.Interface, error) {
	restCfg, err := clientcmd.NewDefaultClientConfig(*raw, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restCfg)
}

func clientFromKubeconfig(path string) (kubernetes.Interface, error) {
	restCfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restCfg)
}

// firstCluster returns the first cluster entry in raw, mirroring the
// original's "take the first named cluster" behavior.
func firstCluster(raw *clientcmdapi.Config) (*clientcmdapi.Cluster, error) {
	for _, c := range raw.Clusters {
		return c, nil
	}
	return nil, fmt.Errorf("no cluster information in bootstrap kubeconfig")
}

// writeKubeconfig assembles a kubeconfig from cluster's server/CA plus
// the issued client cert and private key, and persists it to path.
func writeKubeconfig(path string, cluster *clientcmdapi.Cluster, certPEM []byte, key *ecdsa.PrivateKey) error {
	keyPEM, err := marshalECKey(key)
	if err != nil {
		return err
	}
	cfg := clientcmdapi.NewConfig()
	cfg.Clusters["default"] = &clientcmdapi.Cluster{
		Server:                   cluster.Server,
		CertificateAuthorityData: cluster.CertificateAuthorityData,
	}
	cfg.AuthInfos["default"] = &clientcmdapi.AuthInfo{
		ClientCertificateData: certPEM,
		ClientKeyData:         keyPEM,
	}
	cfg.Contexts["default"] = &clientcmdapi.Context{Cluster: "default", AuthInfo: "default"}
	cfg.CurrentContext = "default"
	return clientcmd.WriteToFile(*cfg, path)
}

// warnOnMalformedToken validates the bootstrap kubeconfig's bearer
// token, if any, against the well-known bootstrap token shape. A
// malformed token isn't fatal here (some clusters bootstrap via a
// client cert instead) but is worth a log line before the CSR flow
// fails for a less obvious reason downstream.
func (b *Bootstrapper) warnOnMalformedToken(raw *clientcmdapi.Config) {
	for _, a := range raw.AuthInfos {
		if a.Token == "" {
			continue
		}
		if _, _, err := tokenutil.ParseToken(a.Token); err != nil {
			b.log.Info("bootstrap kubeconfig token is not a well-formed bootstrap token", "error", err.Error())
		}
	}
}
