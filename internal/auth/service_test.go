package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/inaiurai/escrow/internal/models"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewService("secret", "escrow")
	issuedAt := time.Date(2031, 3, 4, 5, 6, 7, 890, time.UTC)
	svc.now = func() time.Time { return issuedAt }
	tok, exp, err := svc.IssueToken("Oracle-1", "oracle", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if want := issuedAt.Add(time.Hour).Truncate(time.Second); !exp.Equal(want) {
		t.Errorf("expiry: got %s, want %s", exp, want)
	}
	id, err := svc.ValidateToken(context.Background(), tok)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.Address != "oracle-1" || id.Role != "oracle" {
		t.Errorf("identity: got %+v", id)
	}
}

func TestValidateRejects(t *testing.T) {
	svc := NewService("secret", "escrow")
	other := NewService("other-secret", "escrow")
	foreign := NewService("secret", "someone-else")

	expired := NewService("secret", "escrow")
	expired.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }

	cases := map[string]*service{"wrong secret": other, "wrong issuer": foreign, "expired": expired}
	for name, issuer := range cases {
		t.Run(name, func(t *testing.T) {
			tok, _, err := issuer.IssueToken("payer", "", time.Hour)
			if err != nil {
				t.Fatalf("IssueToken: %v", err)
			}
			if _, err := svc.ValidateToken(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("got %v, want ErrInvalidToken", err)
			}
		})
	}
	if _, err := svc.ValidateToken(context.Background(), "not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage token: got %v", err)
	}
}

func TestIssueTokenHandler(t *testing.T) {
	svc := NewService("secret", "escrow")
	// the service clock lags the wall clock; the response must follow the service
	issuedAt := time.Now().Add(-time.Hour).UTC()
	svc.now = func() time.Time { return issuedAt }
	var current Identity
	h := NewHandler(svc,
		func(a models.Address) bool { return a == "admin" },
		func(*http.Request) (Identity, bool) { return current, !current.Address.IsZero() },
		nil,
	)
	body := func() *bytes.Reader {
		b, _ := json.Marshal(IssueTokenRequest{Address: "Verifier-9", Role: "verifier", TTL: "2h"})
		return bytes.NewReader(b)
	}

	cases := []struct {
		name   string
		caller Identity
		want   int
	}{
		{"anonymous", Identity{}, http.StatusUnauthorized},
		{"not admin", Identity{Address: "payer"}, http.StatusForbidden},
		{"admin", Identity{Address: "admin"}, http.StatusCreated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			current = tc.caller
			rr := httptest.NewRecorder()
			h.IssueToken(rr, httptest.NewRequest(http.MethodPost, "/v1/auth/tokens", body()))
			if rr.Code != tc.want {
				t.Fatalf("status: got %d, want %d (%s)", rr.Code, tc.want, rr.Body.String())
			}
			if tc.want != http.StatusCreated {
				return
			}
			var resp TokenResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			id, err := svc.ValidateToken(context.Background(), resp.Token)
			if err != nil || id.Address != "verifier-9" {
				t.Errorf("issued token: %+v, %v", id, err)
			}
			if want := issuedAt.Add(2 * time.Hour).Truncate(time.Second); !resp.ExpiresAt.Equal(want) {
				t.Errorf("expires_at: got %s, want %s", resp.ExpiresAt, want)
			}
		})
	}
}
