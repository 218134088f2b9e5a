package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relatecrm/relate-sdk/pkg/composables"
	"github.com/relatecrm/relate-sdk/pkg/configuration"
)

// ProvideTenant resolves the tenant identity from the header set by the
// authenticating gateway. Requests without a valid tenant are rejected
// before any handler runs; this subsystem never guesses a tenant.
func ProvideTenant() mux.MiddlewareFunc {
	conf := configuration.Use()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(conf.TenantIDHeader))
			if raw == "" {
				http.Error(w, "missing tenant", http.StatusUnauthorized)
				return
			}
			tenantID, err := uuid.Parse(raw)
			if err != nil || tenantID == uuid.Nil {
				http.Error(w, "invalid tenant", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(composables.WithTenantID(r.Context(), tenantID)))
		})
	}
}
