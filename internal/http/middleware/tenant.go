package middleware

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// HeaderTenantID carries the caller's tenant.
const HeaderTenantID = "X-Tenant-ID"

const tenantKey = "tenantID"

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9._\-:]{1,64}$`)

// RequireTenant rejects requests without a well-formed X-Tenant-ID with 401
// and stores the tenant for TenantFrom.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := c.GetHeader(HeaderTenantID)
		if !tenantPattern.MatchString(tenant) {
			abortJSON(c, http.StatusUnauthorized, "missing_tenant", "X-Tenant-ID header is required")
			return
		}
		c.Set(tenantKey, tenant)
		c.Next()
	}
}

// TenantFrom returns the tenant resolved by RequireTenant, or "".
func TenantFrom(c *gin.Context) string {
	return c.GetString(tenantKey)
}
