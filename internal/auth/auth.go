package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/jogardn/marketplace-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrTokenMissing = errors.New("token missing")
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims is the token payload issued by the marketplace login flow.
type Claims struct {
	ID   string      `json:"id"`
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	logger *logrus.Logger
	now    func() time.Time
}

func NewAuthenticator(secret string, logger *logrus.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		logger: logger,
		now:    time.Now,
	}
}

// Issue signs a token for identity. Used by tooling and tests; production
// tokens come from the login service sharing the same secret.
func (a *Authenticator) Issue(identity models.Identity, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		ID:   identity.ID,
		Role: identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Parse(tokenStr string) (models.Identity, error) {
	if tokenStr == "" {
		return models.Identity{}, ErrTokenMissing
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}); err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.ID == "" || claims.Role == "" {
		return models.Identity{}, fmt.Errorf("%w: id and role claims are required", ErrTokenInvalid)
	}
	return models.Identity{ID: claims.ID, Role: claims.Role}, nil
}

// Require rejects requests without a valid token for one of roles. With no
// roles any authenticated identity passes.
func (a *Authenticator) Require(roles ...models.Role) mux.MiddlewareFunc {
	allowed := make(map[models.Role]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := a.Parse(extractToken(r))
			if err != nil {
				a.logger.WithError(err).WithField("path", r.URL.Path).Debug("Rejected unauthenticated request")
				respondUnauthorized(w)
				return
			}

			if len(allowed) > 0 && !allowed[identity.Role] {
				a.logger.WithFields(logrus.Fields{
					"user_id": identity.ID,
					"role":    identity.Role,
					"path":    r.URL.Path,
				}).Info("Rejected request for role")
				respondUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// extractToken reads a bearer token, falling back to the token query
// parameter that browsers must use for websocket upgrades.
func extractToken(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); authz != "" {
		scheme, token, ok := strings.Cut(strings.TrimSpace(authz), " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func respondUnauthorized(w http.ResponseWriter) {
	response, _ := json.Marshal(models.Response{Success: false, Message: "Unauthorized"})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write(response)
}

type identityContextKey struct{}

func WithIdentity(ctx context.Context, identity models.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(models.Identity)
	return identity, ok
}
