package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"phasegate/internal/domain"
	"phasegate/internal/identity"
	"phasegate/internal/logging"
)

type AuthConfig struct {
	JWTSecret string
	// AllowHeaderAuth trusts X-Actor-Email / X-Actor-Role when no token is sent.
	AllowHeaderAuth bool
	DevLogin        bool
	Logger          *logrus.Logger
}

func (c AuthConfig) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.Discard()
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// SignToken mints an HS256 token asserting the actor's identity and role.
func SignToken(secret string, a domain.Actor, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if a.Email == "" {
		return "", errors.New("email required")
	}
	if a.ID == "" {
		a.ID = a.Email
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "phasegate",
		},
		Email: a.Email,
		Role:  string(a.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (domain.Actor, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.Actor{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return domain.Actor{}, err
	}
	if !parsed.Valid {
		return domain.Actor{}, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.Email == "" {
		return domain.Actor{}, errors.New("subject and email claims required")
	}
	return domain.Actor{ID: claims.Subject, Email: claims.Email, Role: domain.Role(claims.Role)}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware places the caller on the request context for the engine's
// identity provider. Routes outside the base path are public, as are health,
// the OpenAPI document and dev login.
func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "openapi.json"):   true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			headerEmail := strings.TrimSpace(req.Header.Get("X-Actor-Email"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				actor, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().WithField("path", req.URL.Path).
						Infof("Event ID: AUTH_TOKEN_REJECTED, Description: %v", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(identity.WithActor(req.Context(), actor)))
				return
			}

			if headerEmail != "" && cfg.AllowHeaderAuth {
				actor := domain.Actor{
					ID:    strings.TrimSpace(req.Header.Get("X-Actor-Id")),
					Email: headerEmail,
					Role:  domain.Role(strings.TrimSpace(req.Header.Get("X-Actor-Role"))),
				}
				cfg.logger().WithField("actor", headerEmail).
					Warn("Event ID: AUTH_HEADER_IDENTITY, Description: trusting X-Actor-Email without a token")
				next.ServeHTTP(w, req.WithContext(identity.WithActor(req.Context(), actor)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
