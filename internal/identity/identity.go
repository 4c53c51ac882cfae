// Package identity resolves the caller of an HTTP request. Authentication
// itself happens upstream; this service trusts the gateway's header.
package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderUserID carries the authenticated user id set by the gateway.
const HeaderUserID = "X-User-ID"

const contextKey = "identity.user_id"

// Resolver extracts the caller identity from a request.
type Resolver interface {
	Resolve(r *http.Request) (string, bool)
}

// HeaderResolver reads the identity from a request header.
type HeaderResolver struct {
	Header string
}

// NewHeaderResolver returns a resolver for HeaderUserID.
func NewHeaderResolver() HeaderResolver {
	return HeaderResolver{Header: HeaderUserID}
}

func (h HeaderResolver) Resolve(r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(h.Header))
	return id, id != ""
}

// Middleware stores the resolved identity on the gin context. Requests
// without one pass through; use Require to reject them.
func Middleware(resolver Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, ok := resolver.Resolve(c.Request); ok {
			c.Set(contextKey, id)
		}
		c.Next()
	}
}

// FromContext returns the identity stored by Middleware.
func FromContext(c *gin.Context) (string, bool) {
	id := c.GetString(contextKey)
	return id, id != ""
}

// UserKey returns the identity or "" when anonymous.
func UserKey(c *gin.Context) string {
	id, _ := FromContext(c)
	return id
}

// Require aborts anonymous requests with 401.
func Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := FromContext(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
			return
		}
		c.Next()
	}
}
