package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"usq/native/cdp"
	"usq/observability/logging"
)

// Scopes carried in bearer tokens.
const (
	ScopeUser       = "user"
	ScopeGovernance = "governance"
	ScopeEmergency  = "emergency"
	ScopeFeeder     = "feeder"
)

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

// AuthConfig describes accepted tokens.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Scopes  []string
}

// Has reports whether the principal holds scope.
func (p Principal) Has(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Address returns the subject as an account address.
func (p Principal) Address() (common.Address, bool) {
	if !common.IsHexAddress(p.Subject) {
		return common.Address{}, false
	}
	addr := common.HexToAddress(p.Subject)
	return addr, addr != (common.Address{})
}

type principalKey struct{}

// WithPrincipal binds a principal to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal bound to ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator validates HMAC-signed JWTs.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator applies defaults to cfg.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret)), logger: logger}
}

// Middleware attaches the principal of a valid bearer token. Requests
// without an Authorization header pass through anonymously; invalid tokens
// are rejected.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if strings.TrimSpace(header) == "" {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := a.Authenticate(header)
		if err != nil {
			a.logger.Warn("auth: token rejected", "error", err, logging.MaskField("authorization", header))
			writeJSONError(w, http.StatusUnauthorized, "unauthenticated", errInvalidToken.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// Authenticate parses an Authorization header value.
func (a *Authenticator) Authenticate(header string) (Principal, error) {
	tokenString := extractBearer(header)
	if tokenString == "" {
		return Principal{}, errMissingToken
	}
	if len(a.secret) == 0 {
		return Principal{}, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, errInvalidToken
	}
	subject, _ := claims.GetSubject()
	return Principal{Subject: strings.TrimSpace(subject), Scopes: extractScopes(claims, a.cfg.ScopeClaim)}, nil
}

// RequireScope rejects requests whose principal lacks scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFrom(r.Context())
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "unauthenticated", errMissingToken.Error())
				return
			}
			if !principal.Has(scope) {
				writeJSONError(w, http.StatusForbidden, cdp.KindPermission.String(), "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// EngineAuthorizer maps engine capabilities onto token scopes of the caller
// bound to the request context.
func EngineAuthorizer() cdp.Authorizer {
	return cdp.AuthorizerFunc(func(ctx context.Context, capability cdp.Capability) error {
		principal, ok := PrincipalFrom(ctx)
		if !ok {
			return cdp.ErrUnauthorized
		}
		switch capability {
		case cdp.CapGovernance:
			if principal.Has(ScopeGovernance) {
				return nil
			}
		case cdp.CapEmergency:
			if principal.Has(ScopeEmergency) {
				return nil
			}
		}
		return cdp.ErrUnauthorized
	})
}

func extractBearer(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
