package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Authorizer decides whether a viewer request may proceed.
type Authorizer interface {
	Authorize(r *http.Request) bool
}

// TokenAuthorizer accepts bearer tokens issued by the account service. The
// token comes from the Authorization header or, for browsers opening
// sockets, the token query parameter. An empty token set allows everything.
type TokenAuthorizer struct {
	tokens [][]byte
}

func NewTokenAuthorizer(tokens []string) *TokenAuthorizer {
	a := &TokenAuthorizer{}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

func (a *TokenAuthorizer) Authorize(r *http.Request) bool {
	if len(a.tokens) == 0 {
		return true
	}
	presented := bearerToken(r)
	if presented == "" {
		return false
	}
	ok := false
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare(t, []byte(presented)) == 1 {
			ok = true
		}
	}
	return ok
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// requireAuth rejects unauthorized requests before any handler runs, so
// sockets are refused before the upgrade.
func requireAuth(a Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a != nil && !a.Authorize(c.Request) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
