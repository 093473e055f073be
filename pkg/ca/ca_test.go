// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package ca

import (
	"testing"

	"github.com/pureboot/controller/pkg/resources/session"
)

func TestIssueSessionIsIdempotent(t *testing.T) {
	a := New(nil)

	first, err := a.IssueSession("s1")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	second, err := a.IssueSession("s1")
	if err != nil {
		t.Fatalf("IssueSession (second call): %v", err)
	}

	if string(first.Source.KeyPEM) != string(second.Source.KeyPEM) {
		t.Error("second IssueSession call minted a different source key")
	}
	if string(first.CAPEM) != string(second.CAPEM) {
		t.Error("second IssueSession call minted a different session CA")
	}
}

func TestGetReturnsRoleSpecificMaterial(t *testing.T) {
	a := New(nil)
	if _, err := a.IssueSession("s2"); err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	sourceCert, _, caPEM, ok := a.Get("s2", session.RoleSource)
	if !ok {
		t.Fatal("expected source material to be present")
	}
	targetCert, _, _, ok := a.Get("s2", session.RoleTarget)
	if !ok {
		t.Fatal("expected target material to be present")
	}
	if string(sourceCert) == string(targetCert) {
		t.Error("source and target leaf certs should differ")
	}
	if len(caPEM) == 0 {
		t.Error("expected a non-empty session CA pem")
	}
}

func TestDestroyRemovesMaterial(t *testing.T) {
	a := New(nil)
	if _, err := a.IssueSession("s3"); err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	a.Destroy("s3")
	if a.Has("s3") {
		t.Error("expected Has to report false after Destroy")
	}
	if _, _, _, ok := a.Get("s3", session.RoleSource); ok {
		t.Error("expected Get to fail after Destroy")
	}
}
