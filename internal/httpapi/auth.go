package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru"
	"github.com/pdvdash/storesync/internal/warehouse"
	"github.com/pkg/errors"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// TenantResolver maps an API token to the tenant's warehouse schema.
type TenantResolver interface {
	Tenant(ctx context.Context, token string) (string, error)
}

// tenantCache remembers resolved tokens for a short TTL. Unknown tokens are
// not cached, so a newly provisioned store is accepted at once.
type tenantCache struct {
	resolver TenantResolver
	cache    *lru.Cache
	ttl      time.Duration
	now      func() time.Time
}

type cachedTenant struct {
	schema string
	at     time.Time
}

func newTenantCache(resolver TenantResolver, size int, ttl time.Duration) *tenantCache {
	cache, err := lru.New(size)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &tenantCache{resolver: resolver, cache: cache, ttl: ttl, now: time.Now}
}

func (c *tenantCache) resolve(ctx context.Context, token string) (string, error) {
	if v, ok := c.cache.Get(token); ok {
		// If the TTL has elapsed, treat as a cache miss and remove.
		if ct := v.(cachedTenant); ct.at.Add(c.ttl).Before(c.now()) {
			c.cache.Remove(token)
		} else {
			return ct.schema, nil
		}
	}
	schema, err := c.resolver.Tenant(ctx, token)
	if err != nil {
		return "", err
	}
	c.cache.Add(token, cachedTenant{schema: schema, at: c.now()})
	return schema, nil
}

// authorizeTenant resolves the bearer token of r to a tenant schema.
func (s *Server) authorizeTenant(r *http.Request) (string, *authError) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	schema, err := s.tenants.resolve(r.Context(), token)
	if errors.Is(err, warehouse.ErrUnknownTenant) {
		return "", &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid token or inactive store"}
	}
	if err != nil {
		return "", &authError{status: http.StatusInternalServerError, code: "internal_error", message: "tenant lookup failed"}
	}
	return schema, nil
}
