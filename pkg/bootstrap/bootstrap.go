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

// Package bootstrap implements the one-shot certificate bootstrap (C6):
// an auth phase that turns a short-lived bootstrap kubeconfig into a
// long-lived client kubeconfig via CSR issuance, followed by a serving
// phase that issues this node's TLS serving certificate the same way.
// Both phases are no-ops if their output already exists on disk.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// approvalWarnAfter is how long the serving phase waits for CSR
// approval before nudging the operator, per spec §4.4 "a couple of
// seconds".
const approvalWarnAfter = 2 * time.Second

// Config is everything the bootstrap flow needs to know about this
// node and where its credentials live on disk.
type Config struct {
	NodeName string
	Hostname string
	NodeIP   string

	BootstrapFile  string
	KubeconfigPath string
	CertFile       string
	KeyFile        string
}

// Bootstrapper drives the auth and serving CSR phases.
type Bootstrapper struct {
	cfg Config
	log logr.Logger
}

// New builds a Bootstrapper for cfg.
func New(cfg Config, log logr.Logger) *Bootstrapper {
	return &Bootstrapper{cfg: cfg, log: log.WithName("bootstrap")}
}

// Run executes the auth phase followed by the serving phase, returning
// the client built from the now-durable kubeconfig so callers (the node
// registrar, the watch dispatcher) don't have to re-load it from disk.
func (b *Bootstrapper) Run(ctx context.Context) (kubernetes.Interface, error) {
	client, err := b.authPhase(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "bootstrap auth phase")
	}
	if err := b.servingPhase(ctx, client); err != nil {
		return nil, errors.Wrap(err, "bootstrap serving phase")
	}
	return client, nil
}

// authPhase is a no-op if KubeconfigPath already exists; otherwise it
// loads the bootstrap kubeconfig, issues a client CSR, and persists the
// resulting kubeconfig at KubeconfigPath.
func (b *Bootstrapper) authPhase(ctx context.Context) (kubernetes.Interface, error) {
	if fileExists(b.cfg.KubeconfigPath) {
		b.log.V(1).Info("existing kubeconfig found, skipping auth bootstrap", "path", b.cfg.KubeconfigPath)
		return clientFromKubeconfig(b.cfg.KubeconfigPath)
	}

	raw, err := loadBootstrapConfig(b.cfg.BootstrapFile)
	if err != nil {
		return nil, errors.Wrap(err, "loading bootstrap kubeconfig")
	}
	b.warnOnMalformedToken(raw)

	bootstrapClient, err := clientFromAPIConfig(raw)
	if err != nil {
		return nil, errors.Wrap(err, "building client from bootstrap kubeconfig")
	}

	cluster, err := firstCluster(raw)
	if err != nil {
		return nil, err
	}

	key, csrPEM, err := generateCSR(csrSubject{commonName: "system:node:" + b.cfg.NodeName})
	if err != nil {
		return nil, errors.Wrap(err, "generating client CSR")
	}

	name := b.cfg.NodeName
	b.log.Info("submitting client CSR", "name", name)
	if err := submitCSR(ctx, bootstrapClient, name, csrPEM, clientSignerName, clientUsages); err != nil {
		return nil, errors.Wrap(err, "submitting client CSR")
	}

	cert, err := b.watchApproval(ctx, bootstrapClient, name, false)
	if err != nil {
		return nil, errors.Wrapf(err, "CSR %s", name)
	}

	if err := writeKubeconfig(b.cfg.KubeconfigPath, cluster, cert, key); err != nil {
		return nil, errors.Wrap(err, "writing generated kubeconfig")
	}
	b.log.Info("wrote client kubeconfig", "path", b.cfg.KubeconfigPath)

	return clientFromKubeconfig(b.cfg.KubeconfigPath)
}

// servingPhase is a no-op if CertFile already exists; otherwise it
// issues this node's serving CSR against client (built from the now-
// durable kubeconfig) and writes the resulting cert/key pair to disk.
func (b *Bootstrapper) servingPhase(ctx context.Context, client kubernetes.Interface) error {
	if fileExists(b.cfg.CertFile) {
		b.log.V(1).Info("existing serving cert found, skipping TLS bootstrap", "path", b.cfg.CertFile)
		return nil
	}

	key, csrPEM, err := generateCSR(csrSubject{
		commonName: "system:node:" + b.cfg.Hostname,
		dnsNames:   []string{b.cfg.Hostname},
		ipAddress:  b.cfg.NodeIP,
	})
	if err != nil {
		return errors.Wrap(err, "generating serving CSR")
	}

	name := b.cfg.Hostname + "-tls"
	b.log.Info("submitting serving CSR", "name", name)
	if err := submitCSR(ctx, client, name, csrPEM, servingSignerName, servingUsages); err != nil {
		return errors.Wrap(err, "submitting serving CSR")
	}

	cert, err := b.watchApproval(ctx, client, name, true)
	if err != nil {
		return errors.Wrapf(err, "CSR %s", name)
	}

	keyPEM, err := marshalECKey(key)
	if err != nil {
		return errors.Wrap(err, "marshaling serving private key")
	}
	if err := os.WriteFile(b.cfg.CertFile, cert, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", b.cfg.CertFile)
	}
	if err := os.WriteFile(b.cfg.KeyFile, keyPEM, 0o600); err != nil {
		return errors.Wrapf(err, "writing %s", b.cfg.KeyFile)
	}
	b.log.Info("wrote serving certificate", "cert", b.cfg.CertFile, "key", b.cfg.KeyFile)
	return nil
}

// watchApproval blocks until name's CSR carries a non-empty certificate
// and an Approved condition, logging the operator-facing notification
// strings the integration harness greps for when warnNotify is set and
// the wait runs past approvalWarnAfter.
func (b *Bootstrapper) watchApproval(ctx context.Context, client kubernetes.Interface, name string, warnNotify bool) ([]byte, error) {
	events, err := watchCSR(ctx, client, name)
	if err != nil {
		return nil, err
	}
	defer events.Stop()

	warned := false
	timer := time.NewTimer(approvalWarnAfter)
	defer timer.Stop()

	ch := events.ResultChan()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			if warnNotify && !warned {
				warned = true
				fmt.Printf("TLS certificate requires manual approval. Run kubectl certificate approve %s\n", name)
			}
		case event, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("CSR %s: never approved", name)
			}
			if event.Type == watch.Error {
				continue
			}
			cert, approved := approvedCertificate(event)
			if !approved {
				continue
			}
			if warnNotify && warned {
				fmt.Println("received TLS certificate approval: continuing")
			}
			return cert, nil
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
