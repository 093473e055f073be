// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package ca implements the per-session certificate authority: on
// session creation it mints a session CA key+cert, then issues
// source/target leaf certs signed by it. Everything lives in memory only
// — PEMs are never written to disk — and is destroyed on terminal
// transition plus a grace window.
package ca

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/pureboot/controller/pkg/resources/session"
)

// leafLifetime bounds how long an issued leaf cert is valid for; clone
// sessions are short-lived (minutes to low hours), so a generous fixed
// window avoids needing renewal logic the agent side never implements.
const leafLifetime = 24 * time.Hour

// Authority mints and serves per-session certificate material.
type Authority struct {
	mu       sync.Mutex
	sessions map[string]*session.Certificates
	logger   *log.Logger
}

// New creates an Authority with an empty session table.
func New(logger *log.Logger) *Authority {
	if logger == nil {
		logger = log.New(log.Writer(), "ca: ", log.LstdFlags)
	}
	return &Authority{sessions: make(map[string]*session.Certificates), logger: logger}
}

// IssueSession mints a session CA and both leaf certs at once, idempotently:
// calling it twice for the same sessionID returns the same material and
// never issues a different key.
func (a *Authority) IssueSession(sessionID string) (*session.Certificates, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.sessions[sessionID]; ok {
		return existing, nil
	}

	caCertPEM, caKeyPEM, caCert, caKey, err := mintCA(sessionID)
	if err != nil {
		return nil, fmt.Errorf("mint session ca: %w", err)
	}

	sourceLeaf, err := mintLeaf(caCert, caKey, sessionID, "source")
	if err != nil {
		return nil, fmt.Errorf("mint source leaf: %w", err)
	}
	targetLeaf, err := mintLeaf(caCert, caKey, sessionID, "target")
	if err != nil {
		return nil, fmt.Errorf("mint target leaf: %w", err)
	}

	certs := &session.Certificates{
		SessionID: sessionID,
		CAPEM:     caCertPEM,
		CAKeyPEM:  caKeyPEM,
		Source:    sourceLeaf,
		Target:    targetLeaf,
		IssuedAt:  time.Now().UTC(),
	}
	a.sessions[sessionID] = certs
	return certs, nil
}

// Get returns a role's leaf cert plus the session CA pem, or false if
// nothing has been issued (or it has already been destroyed).
func (a *Authority) Get(sessionID string, role session.Role) (leafCertPEM, leafKeyPEM, caPEM []byte, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	certs, found := a.sessions[sessionID]
	if !found {
		return nil, nil, nil, false
	}
	switch role {
	case session.RoleSource:
		return certs.Source.CertPEM, certs.Source.KeyPEM, certs.CAPEM, true
	case session.RoleTarget:
		return certs.Target.CertPEM, certs.Target.KeyPEM, certs.CAPEM, true
	default:
		return nil, nil, nil, false
	}
}

// Destroy removes a session's certificate material immediately. Callers
// (pkg/clonesession) are expected to delay this by the configured grace
// window past the session's terminal transition.
func (a *Authority) Destroy(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
	a.logger.Printf("session %s: certificate material destroyed", sessionID)
}

// Has reports whether certificate material still exists for a session —
// used to turn GET /certs into 404 after Destroy runs.
func (a *Authority) Has(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sessions[sessionID]
	return ok
}

func mintCA(sessionID string) (certPEM, keyPEM []byte, cert *x509.Certificate, key ed25519.PrivateKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, nil, nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "pureboot-clone-session-ca-" + sessionID},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(leafLifetime),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cert, err = x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	return certPEM, keyPEM, cert, priv, nil
}

func mintLeaf(caCert *x509.Certificate, caKey ed25519.PrivateKey, sessionID, role string) (session.LeafCert, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return session.LeafCert{}, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return session.LeafCert{}, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: fmt.Sprintf("pureboot-clone-session-%s-%s", sessionID, role)},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(leafLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, pub, caKey)
	if err != nil {
		return session.LeafCert{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return session.LeafCert{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	return session.LeafCert{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}
