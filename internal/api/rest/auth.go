package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidleathers/workspace-activity/internal/api/middleware"
	domainErrors "github.com/davidleathers/workspace-activity/internal/domain/errors"
)

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret   []byte
	Issuer      string
	TokenExpiry time.Duration
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	UserID    uuid.UUID `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
}

// AuthMiddleware resolves the bearer token into the caller's user id. It
// only authenticates; authorization happens per entity in the services.
type AuthMiddleware struct {
	config AuthConfig
	tracer trace.Tracer
}

// NewAuthMiddleware creates a new auth middleware
func NewAuthMiddleware(config AuthConfig) (*AuthMiddleware, error) {
	if len(config.JWTSecret) == 0 {
		return nil, domainErrors.NewValidationError("MISSING_JWT_SECRET", "jwt secret is required")
	}
	if config.TokenExpiry <= 0 {
		config.TokenExpiry = time.Hour
	}
	return &AuthMiddleware{
		config: config,
		tracer: otel.Tracer("activity.auth"),
	}, nil
}

// Middleware rejects requests without a valid token with 401
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := a.tracer.Start(r.Context(), "auth.middleware")
		defer span.End()

		token, err := extractToken(r)
		if err != nil {
			span.RecordError(err)
			writeError(w, domainErrors.NewUnauthorizedError("authentication required"))
			return
		}

		claims, err := a.parse(token)
		if err != nil {
			span.RecordError(err)
			writeError(w, domainErrors.NewUnauthorizedError("invalid or expired token"))
			return
		}

		ctx = middleware.WithUserID(ctx, claims.UserID)
		if claims.SessionID != "" && r.Header.Get("X-Session-ID") == "" {
			r.Header.Set("X-Session-ID", claims.SessionID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GenerateToken issues a signed access token for userID
func (a *AuthMiddleware) GenerateToken(userID uuid.UUID, sessionID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.config.Issuer,
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.TokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID:    userID,
		SessionID: sessionID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.config.JWTSecret)
}

func (a *AuthMiddleware) parse(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.config.JWTSecret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID == uuid.Nil {
		return nil, errors.New("token has no user")
	}
	return claims, nil
}

func extractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		// browsers cannot set headers on websocket upgrades
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, nil
		}
		return "", errors.New("missing authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return parts[1], nil
}
