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

// Package admission builds the Kubernetes objects an operator needs to
// stand up an admission webhook for one custom resource: a self-signed
// TLS Secret, the Service that fronts the webhook pod, and the
// MutatingWebhookConfiguration pointing at it. It is the Go
// counterpart of krator-derive's #[derive(AdmissionWebhook)] macro
// (crates/krator-derive/src/admission.rs), expressed as a plain
// function instead of generated code since Go has no derive macros.
package admission

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"

	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// ResourceMeta identifies the custom resource an admission webhook is
// being generated for, the fields krator-derive pulled off the
// #[kube(...)] attribute and the generated CRD's .spec.
type ResourceMeta struct {
	Group    string
	Versions []string
	Plural   string
	// Scope is "Namespaced" or "Cluster", matching
	// apiextensionsv1.ResourceScope's values.
	Scope string
}

const certValidity = 10 * 365 * 24 * time.Hour

// secretName and serviceName return the conventional resource names
// admission_webhook_resources's generated helpers derived from the CRD
// (admission_webhook_secret_name/service_name/configuration_name).
func (m ResourceMeta) secretName() string {
	return strings.ReplaceAll(fmt.Sprintf("%s-%s-admission-webhook-tls", m.Plural, m.Group), ".", "-")
}

func (m ResourceMeta) serviceName() string {
	return strings.ReplaceAll(fmt.Sprintf("%s-%s-admission-webhook", m.Plural, m.Group), ".", "-")
}

// ServiceAppSelector is the "app" label value the webhook's backing
// Pods must carry for the generated Service to route to them.
func (m ResourceMeta) ServiceAppSelector() string {
	return strings.ReplaceAll(fmt.Sprintf("%s-%s-operator", m.Plural, m.Group), ".", "-")
}

func (m ResourceMeta) configurationName() string {
	return fmt.Sprintf("%s.%s", m.Plural, m.Group)
}

// Resources builds the Service, Secret, and MutatingWebhookConfiguration
// an admission webhook for resourceMeta needs, the Go equivalent of
// admission_webhook_resources(namespace).
func Resources(resourceMeta ResourceMeta, namespace string) (*corev1.Service, *corev1.Secret, *admissionregistrationv1.MutatingWebhookConfiguration, error) {
	service := resourceMeta.service(namespace)
	secret, err := resourceMeta.secret(namespace)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generating webhook TLS secret: %w", err)
	}
	config, err := resourceMeta.configuration(service, secret)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building webhook configuration: %w", err)
	}
	return service, secret, config, nil
}

// service builds the ClusterIP Service fronting the webhook pods,
// forwarding port 443 to the pod's 8443.
func (m ResourceMeta) service(namespace string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      m.serviceName(),
			Namespace: namespace,
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": m.ServiceAppSelector()},
			Ports: []corev1.ServicePort{{
				Protocol:   corev1.ProtocolTCP,
				Port:       443,
				TargetPort: intstr.FromInt(8443),
			}},
			Type: corev1.ServiceTypeClusterIP,
		},
	}
}

// secret generates a self-signed ECDSA P-256 certificate (the same
// keypair shape pkg/bootstrap's CSR flow uses) valid for the webhook
// service's cluster-DNS names, and wraps it in a TLS-typed Secret.
func (m ResourceMeta) secret(namespace string) (*corev1.Secret, error) {
	serviceName := m.serviceName()
	sans := []string{
		serviceName,
		fmt.Sprintf("%s.%s", serviceName, namespace),
		fmt.Sprintf("%s.%s.svc", serviceName, namespace),
		fmt.Sprintf("%s.%s.svc.cluster", serviceName, namespace),
		fmt.Sprintf("%s.%s.svc.cluster.local", serviceName, namespace),
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: serviceName},
		DNSNames:              sans,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating self-signed certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      m.secretName(),
			Namespace: namespace,
		},
		Type: corev1.SecretTypeTLS,
		Data: map[string][]byte{
			corev1.TLSCertKey:       certPEM,
			corev1.TLSPrivateKeyKey: keyPEM,
		},
	}, nil
}

// configuration builds the MutatingWebhookConfiguration pointing at
// service, trusting secret's certificate as its CA bundle.
func (m ResourceMeta) configuration(service *corev1.Service, secret *corev1.Secret) (*admissionregistrationv1.MutatingWebhookConfiguration, error) {
	caBundle, ok := secret.Data[corev1.TLSCertKey]
	if !ok {
		return nil, fmt.Errorf("secret %s has no %s data", secret.Name, corev1.TLSCertKey)
	}

	name := m.configurationName()
	scope := admissionregistrationv1.ScopeType(m.Scope)
	path := "/"
	sideEffects := admissionregistrationv1.SideEffectClassNone

	return &admissionregistrationv1.MutatingWebhookConfiguration{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Webhooks: []admissionregistrationv1.MutatingWebhook{{
			Name:                    name,
			AdmissionReviewVersions: m.Versions,
			SideEffects:             &sideEffects,
			Rules: []admissionregistrationv1.RuleWithOperations{{
				Operations: []admissionregistrationv1.OperationType{admissionregistrationv1.OperationAll},
				Rule: admissionregistrationv1.Rule{
					APIGroups:   []string{m.Group},
					APIVersions: m.Versions,
					Resources:   []string{m.Plural},
					Scope:       &scope,
				},
			}},
			ClientConfig: admissionregistrationv1.WebhookClientConfig{
				CABundle: caBundle,
				Service: &admissionregistrationv1.ServiceReference{
					Name:      service.Name,
					Namespace: service.Namespace,
					Path:      &path,
				},
			},
		}},
	}, nil
}
