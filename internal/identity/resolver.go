// Package identity turns connection handshake data into a stable identity.
package identity

import (
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/Gopher0727/ChatCore/middleware/jwt"
)

const (
	AnonymousPrefix = "anon:"

	// MaxLength bounds supplied identities; longer values are ignored.
	MaxLength = 128

	headerUserID = "X-User-Id"
)

var queryKeys = []string{"userId", "user_id", "uid"}

// Handshake is the metadata available when a connection is accepted.
type Handshake struct {
	Header      http.Header
	Query       url.Values
	TransportID string
}

// FromRequest captures the handshake of an HTTP upgrade request.
func FromRequest(r *http.Request, transportID string) Handshake {
	return Handshake{Header: r.Header, Query: r.URL.Query(), TransportID: transportID}
}

// Resolver maps handshakes to identities.
type Resolver struct {
	tokens *jwt.TokenManager
	logger *zap.Logger
}

// NewResolver builds a Resolver. tokens may be nil to disable bearer tokens.
func NewResolver(tokens *jwt.TokenManager, logger *zap.Logger) *Resolver {
	return &Resolver{tokens: tokens, logger: logger}
}

// Resolve never fails. Sources are tried in order: a bearer token (Authorization
// header or "token" query parameter), an explicit X-User-Id header, the
// userId/user_id/uid query parameters, and finally an anonymous identity
// derived from the transport id.
func (r *Resolver) Resolve(h Handshake) string {
	if token := bearerToken(h); token != "" && r.tokens != nil {
		claims, err := r.tokens.ParseToken(token)
		if err == nil {
			if id := clean(claims.Identity()); id != "" {
				return id
			}
		} else {
			r.logger.Debug("ignoring handshake token", zap.Error(err))
		}
	}

	if id := clean(h.Header.Get(headerUserID)); id != "" {
		return id
	}
	for _, key := range queryKeys {
		if id := clean(h.Query.Get(key)); id != "" {
			return id
		}
	}
	return Anonymous(h.TransportID)
}

// Anonymous derives a non-durable identity from a transport id.
func Anonymous(transportID string) string {
	sum := blake2b.Sum256([]byte(transportID))
	return AnonymousPrefix + hex.EncodeToString(sum[:])[:16]
}

// IsAnonymous reports whether id was synthesised by Anonymous.
func IsAnonymous(id string) bool {
	return strings.HasPrefix(id, AnonymousPrefix)
}

func bearerToken(h Handshake) string {
	if auth := h.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(h.Query.Get("token"))
}

func clean(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > MaxLength || IsAnonymous(id) {
		return ""
	}
	return id
}
