package gateway

import (
	"context"
	"testing"
)

func TestAPIKeyAuthenticator(t *testing.T) {
	t.Parallel()

	auth := NewAPIKeyAuthenticator(
		APIKeyEntry{
			Token: "cv_test_123",
			Identity: Identity{
				Subject: "worker-ui",
				Scopes:  []string{ScopeJobWrite, ScopeJobRead, ScopeSubscribe},
			},
		},
		APIKeyEntry{
			Token: "cv_admin_456",
			Identity: Identity{
				Subject: "admin-1",
				Scopes:  []string{ScopeAll},
			},
		},
	)

	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		id, err := auth.Authenticate(ctx, "cv_test_123")
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if id.Subject != "worker-ui" {
			t.Errorf("Subject = %q, want %q", id.Subject, "worker-ui")
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		_, err := auth.Authenticate(ctx, "invalid")
		if err == nil {
			t.Error("expected error for invalid token")
		}
	})
}

func TestIdentityHasScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		scopes   []string
		check    string
		expected bool
	}{
		{"wildcard grants all", []string{"*"}, ScopeJobWrite, true},
		{"exact match", []string{ScopeJobRead}, ScopeJobRead, true},
		{"missing scope", []string{ScopeJobRead}, ScopeJobWrite, false},
		{"empty scopes", nil, ScopeSubscribe, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := &Identity{Scopes: tt.scopes}
			if got := id.HasScope(tt.check); got != tt.expected {
				t.Errorf("HasScope(%q) = %v, want %v", tt.check, got, tt.expected)
			}
		})
	}
}

func TestRequiredScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method string
		want   string
	}{
		{MethodAuth, ""},
		{MethodJobSubmit, ScopeJobWrite},
		{MethodJobCancel, ScopeJobWrite},
		{MethodJobGet, ScopeJobRead},
		{MethodJobList, ScopeJobRead},
		{MethodSubscribe, ScopeSubscribe},
		{MethodUnsubscribe, ScopeSubscribe},
		{MethodStats, ScopeStatsRead},
		{"unknown.method", ScopeAdmin},
	}

	for _, tt := range tests {
		if got := RequiredScope(tt.method); got != tt.want {
			t.Errorf("RequiredScope(%q) = %q, want %q", tt.method, got, tt.want)
		}
	}
}

func TestNoopAuthenticator(t *testing.T) {
	t.Parallel()

	auth := &NoopAuthenticator{}
	id, err := auth.Authenticate(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !id.HasScope(ScopeJobWrite) {
		t.Error("noop identity should have all scopes")
	}
}

func TestCompositeAuthenticator(t *testing.T) {
	t.Parallel()

	keyed := NewAPIKeyAuthenticator(APIKeyEntry{
		Token:    "cv_key",
		Identity: Identity{Subject: "keyed", Scopes: []string{ScopeJobRead}},
	})
	auth := NewCompositeAuthenticator(keyed)

	if _, err := auth.Authenticate(context.Background(), "cv_key"); err != nil {
		t.Fatalf("Authenticate known token: %v", err)
	}
	if _, err := auth.Authenticate(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown token")
	}
}
