package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldops/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

func TestOpenSessionStoreBackends(t *testing.T) {
	directory := t.TempDir()
	testCases := []struct {
		name    string
		session config.SessionConfig
	}{
		{name: "database", session: config.SessionConfig{Backend: "database", DatabasePath: filepath.Join(directory, "fieldops.db")}},
		{name: "file", session: config.SessionConfig{Backend: "file", FilePath: filepath.Join(directory, "session.json")}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			store, closeStore, err := openSessionStore(config.AppConfig{Session: testCase.session}, nil)
			if err != nil {
				t.Fatalf("failed to open store: %v", err)
			}
			defer closeStore() //nolint:errcheck

			ctx := context.Background()
			if err := store.SetToken(ctx, "abc"); err != nil {
				t.Fatalf("failed to set token: %v", err)
			}
			token, err := store.Token(ctx)
			if err != nil || token != "abc" {
				t.Fatalf("expected stored token, got %q (%v)", token, err)
			}
		})
	}

	if _, _, err := openSessionStore(config.AppConfig{Session: config.SessionConfig{Backend: "memory"}}, nil); err == nil {
		t.Fatalf("expected unknown backend to fail")
	}
}

func TestDescribeCredential(t *testing.T) {
	now := time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC)
	inspector := auth.NewCredentialInspector(auth.CredentialInspectorConfig{Clock: func() time.Time { return now }})

	signed := func(expiresAt time.Time) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.CredentialClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "tech-7", ExpiresAt: jwt.NewNumericDate(expiresAt)},
		})
		raw, err := token.SignedString([]byte("unused"))
		if err != nil {
			t.Fatalf("failed to sign: %v", err)
		}
		return raw
	}

	testCases := []struct {
		name     string
		token    string
		contains string
	}{
		{name: "absent", token: "", contains: "no session credential"},
		{name: "opaque", token: "opaque-token", contains: "opaque"},
		{name: "expired", token: signed(now.Add(-time.Minute)), contains: "expired"},
		{name: "live", token: signed(now.Add(time.Hour)), contains: "session for tech-7, expires"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := describeCredential(inspector, testCase.token); !strings.Contains(got, testCase.contains) {
				t.Fatalf("expected %q to contain %q", got, testCase.contains)
			}
		})
	}
}
