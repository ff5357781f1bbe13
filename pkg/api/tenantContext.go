package api

import (
	"context"
	"net/http"
)

type contextKey string

// TenantKey carries the caller's tenant id through the request context.
const TenantKey contextKey = "tenant"

// TenantFromContext returns the tenant id set by RequireTenant.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(TenantKey).(string)
	return tenant, ok && tenant != ""
}

// RequireTenant rejects requests without an X-Tenant-ID header. Authentication
// happens upstream at the gateway; this layer only scopes data access, and no
// route below it ever crosses tenants.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get("X-Tenant-ID")
		if tenant == "" {
			http.Error(w, "missing X-Tenant-ID header", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), TenantKey, tenant)))
	})
}
