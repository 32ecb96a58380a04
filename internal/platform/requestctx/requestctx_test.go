package requestctx

import (
	"context"
	"testing"
)

func TestTenantID_RoundTrip(t *testing.T) {
	ctx := WithTenantID(context.Background(), "t1")
	if got := TenantIDFromContext(ctx); got != "t1" {
		t.Fatalf("TenantIDFromContext = %q, want %q", got, "t1")
	}
}

func TestTenantID_Missing(t *testing.T) {
	if got := TenantIDFromContext(context.Background()); got != "" {
		t.Fatalf("TenantIDFromContext = %q, want empty", got)
	}
	if got := TenantIDFromContext(nil); got != "" {
		t.Fatalf("TenantIDFromContext(nil) = %q, want empty", got)
	}
}

func TestTenantBypass(t *testing.T) {
	if TenantBypassFromContext(context.Background()) {
		t.Fatal("bypass should default to false")
	}
	ctx := WithTenantBypass(context.Background())
	if !TenantBypassFromContext(ctx) {
		t.Fatal("bypass should be true after WithTenantBypass")
	}
}

func TestLocale_RoundTrip(t *testing.T) {
	ctx := WithLocale(context.Background(), "pt-BR")
	if got := LocaleFromContext(ctx); got != "pt-BR" {
		t.Fatalf("LocaleFromContext = %q, want %q", got, "pt-BR")
	}
}

func TestAuthToken_RoundTrip(t *testing.T) {
	ctx := WithAuthToken(context.Background(), "bearer-token")
	if got := AuthTokenFromContext(ctx); got != "bearer-token" {
		t.Fatalf("AuthTokenFromContext = %q, want %q", got, "bearer-token")
	}
}

func TestPermissions_RoundTrip(t *testing.T) {
	perms := map[string]any{"role": "admin"}
	ctx := WithPermissions(context.Background(), perms)
	got := PermissionsFromContext(ctx)
	if got == nil || got["role"] != "admin" {
		t.Fatalf("PermissionsFromContext = %v, want %v", got, perms)
	}
}

func TestNilContextDefaults(t *testing.T) {
	ctx := WithTenantID(nil, "t2")
	if got := TenantIDFromContext(ctx); got != "t2" {
		t.Fatalf("TenantIDFromContext = %q, want %q", got, "t2")
	}
}
