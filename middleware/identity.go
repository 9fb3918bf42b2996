package middleware

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/ai-execution-gateway/internal/observability"
	"github.com/upb/ai-execution-gateway/services/providers"
	"github.com/upb/ai-execution-gateway/utils"
	"go.uber.org/zap"
)

var (
	// ErrInvalidToken is returned for tokens that fail signature or claim checks
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokensDisabled is returned when a token is presented but no secret is configured
	ErrTokensDisabled = errors.New("token authentication is not configured")
)

// anonymousPrefix namespaces callers identified only by address
const anonymousPrefix = "anon:"

// TokenClaims are the claims of a caller token. Tier defaults to
// authenticated when absent.
type TokenClaims struct {
	Tier string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// IdentityMiddleware resolves the caller identity and tier of each request.
// Requests without a bearer token are anonymous and keyed by client IP.
type IdentityMiddleware struct {
	secret         []byte
	issuer         string
	trustedProxies []netip.Prefix
	logger         *zap.Logger
}

// NewIdentityMiddleware creates a new IdentityMiddleware. An empty secret
// rejects every presented token.
func NewIdentityMiddleware(secret, issuer string, logger *zap.Logger) *IdentityMiddleware {
	return &IdentityMiddleware{
		secret: []byte(secret),
		issuer: issuer,
		logger: logger,
	}
}

// WithTrustedProxies sets the peers whose forwarding headers are honoured
// when keying anonymous callers. Without any, the TCP peer is the key.
func (m *IdentityMiddleware) WithTrustedProxies(prefixes []netip.Prefix) *IdentityMiddleware {
	m.trustedProxies = prefixes
	return m
}

// ResolveIdentity is a middleware that stores the caller Identity in the
// request context. An invalid token is rejected with 401.
func (m *IdentityMiddleware) ResolveIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := middleware.GetReqID(ctx)
		ctx = observability.WithRequestID(ctx, requestID)

		token := extractBearerToken(r)
		if token == "" {
			identity := &Identity{
				CallerID: anonymousPrefix + m.clientIP(r),
				Tier:     providers.TierAnonymous,
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
			return
		}

		identity, err := m.ValidateToken(token)
		if err != nil {
			m.logger.Warn("token validation failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteUnauthorized(w, "Invalid or expired token")
			return
		}

		m.logger.Debug("caller identified",
			zap.String("request_id", requestID),
			zap.String("caller_id", identity.CallerID),
			zap.String("tier", string(identity.Tier)))

		next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
	})
}

// ValidateToken verifies an HS256 token and maps its claims to an Identity
func (m *IdentityMiddleware) ValidateToken(tokenString string) (*Identity, error) {
	if len(m.secret) == 0 {
		return nil, ErrTokensDisabled
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}

	tier := providers.TierAuthenticated
	if claims.Tier != "" {
		tier = providers.Tier(claims.Tier)
		if !tier.Valid() {
			return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidToken, claims.Tier)
		}
	}

	return &Identity{
		CallerID:      claims.Subject,
		Tier:          tier,
		Authenticated: true,
	}, nil
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	// Check if it starts with "Bearer "
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// clientIP returns the address an anonymous caller is keyed on. Forwarding
// headers are read only when the TCP peer is a trusted proxy; X-Forwarded-For
// is walked right to left and the first untrusted hop wins.
func (m *IdentityMiddleware) clientIP(r *http.Request) string {
	peer, ok := remoteAddr(r)
	if !ok {
		return r.RemoteAddr
	}
	if !m.trusted(peer) {
		return peer.String()
	}

	if hops := forwardedFor(r); len(hops) > 0 {
		client := peer
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(hops[i])
			if err != nil {
				break
			}
			client = addr.Unmap()
			if !m.trusted(client) {
				break
			}
		}
		return client.String()
	}

	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.Unmap().String()
	}
	return peer.String()
}

func (m *IdentityMiddleware) trusted(addr netip.Addr) bool {
	for _, prefix := range m.trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// remoteAddr parses the TCP peer address without its port
func remoteAddr(r *http.Request) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// forwardedFor returns the X-Forwarded-For hops in order, across repeated headers
func forwardedFor(r *http.Request) []string {
	var hops []string
	for _, header := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(header, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}
