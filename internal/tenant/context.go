package tenant

import "context"

// TenantContext carries the tenant (organization) and caller identity through a
// request. The API adapter populates it once; the workflow engine reads it to
// build an actor when the caller does not pass one explicitly.
type TenantContext struct {
	TenantID      string
	UserID        string
	Roles         []string
	IsSystemAdmin bool
}

type tenantContextKey struct{}

// WithTenantContext attaches tc to ctx.
func WithTenantContext(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tc)
}

// FromContext returns the TenantContext stored in ctx, if any.
func FromContext(ctx context.Context) (TenantContext, bool) {
	tc, ok := ctx.Value(tenantContextKey{}).(TenantContext)
	return tc, ok
}

// TenantID returns the tenant id from ctx, or fallback when absent.
func TenantID(ctx context.Context, fallback string) string {
	if tc, ok := FromContext(ctx); ok && tc.TenantID != "" {
		return tc.TenantID
	}
	return fallback
}
