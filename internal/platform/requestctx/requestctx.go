// Package requestctx stores request-scoped identity on context.Context.
//
// Tenant scoping, locale, and caller permissions travel explicitly on the
// context of every call in the capture and evaluation paths instead of living
// in process-global state.
package requestctx

import "context"

type tenantIDContextKey struct{}
type tenantBypassContextKey struct{}
type localeContextKey struct{}
type authTokenContextKey struct{}
type permissionsContextKey struct{}

// WithTenantID stores a tenant identifier in context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, tenantIDContextKey{}, tenantID)
}

// TenantIDFromContext returns the tenant identifier stored in context.
func TenantIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(tenantIDContextKey{}).(string)
	return value
}

// WithTenantBypass marks the context as exempt from tenant-scoped event
// capture. Used by maintenance and cross-tenant admin operations.
func WithTenantBypass(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, tenantBypassContextKey{}, true)
}

// TenantBypassFromContext reports whether tenant-scoped capture is bypassed.
func TenantBypassFromContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	value, _ := ctx.Value(tenantBypassContextKey{}).(bool)
	return value
}

// WithLocale stores the caller's locale in context.
func WithLocale(ctx context.Context, locale string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, localeContextKey{}, locale)
}

// LocaleFromContext returns the locale stored in context.
func LocaleFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(localeContextKey{}).(string)
	return value
}

// WithAuthToken stores the caller's bearer token in context so outbound
// expression HTTP calls can pass it through without re-authenticating.
func WithAuthToken(ctx context.Context, token string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, authTokenContextKey{}, token)
}

// AuthTokenFromContext returns the bearer token stored in context.
func AuthTokenFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(authTokenContextKey{}).(string)
	return value
}

// WithPermissions stores the caller's permission claims in context.
func WithPermissions(ctx context.Context, permissions map[string]any) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, permissionsContextKey{}, permissions)
}

// PermissionsFromContext returns the permission claims stored in context.
func PermissionsFromContext(ctx context.Context) map[string]any {
	if ctx == nil {
		return nil
	}
	value, _ := ctx.Value(permissionsContextKey{}).(map[string]any)
	return value
}
