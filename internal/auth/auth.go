// Package auth vets the credentials a node accepts: peer ids presented in
// the transport handshake and bearer tokens on the admin HTTP surface.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator accepts or rejects one credential.
type Validator interface {
	Validate(credential string) error
}

// StaticToken accepts a single shared token. An empty Token accepts nothing.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// AllowList accepts the peer ids it was built with.
type AllowList struct {
	ids map[string]struct{}
}

func NewAllowList(ids ...string) AllowList {
	a := AllowList{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			a.ids[id] = struct{}{}
		}
	}
	return a
}

func (a AllowList) Validate(id string) error {
	if _, ok := a.ids[id]; !ok {
		return fmt.Errorf("%w: peer %q is not allowed", ErrUnauthorized, id)
	}
	return nil
}

func (a AllowList) IDs() []string {
	out := make([]string, 0, len(a.ids))
	for id := range a.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(credential string) error

func (f FuncValidator) Validate(credential string) error {
	return f(credential)
}

// BearerToken returns the token from an "Authorization: Bearer" header, or "".
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequireBearer aborts requests whose bearer token v rejects with 401.
func RequireBearer(v Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := v.Validate(BearerToken(c.Request)); err != nil {
			log.Warn().
				Str("component", "auth").
				Str("method", c.Request.Method).
				Str("path", c.Request.URL.Path).
				Str("remote", c.ClientIP()).
				Msg("admin request rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
