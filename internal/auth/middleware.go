// Package auth authenticates API clients with HMAC-signed JWT bearer tokens.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const clientIDKey contextKey = "authClientID"

// ClientID retrieves the authenticated subject from context.
func ClientID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(clientIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithClientID returns a copy of ctx carrying clientID.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// Option tightens token validation.
type Option func(*validator)

// WithAudience requires tokens to list audience in their aud claim.
func WithAudience(audience string) Option {
	return func(v *validator) {
		v.audience = strings.TrimSpace(audience)
	}
}

// WithIssuer requires tokens to be issued by issuer.
func WithIssuer(issuer string) Option {
	return func(v *validator) {
		v.issuer = strings.TrimSpace(issuer)
	}
}

type validator struct {
	secret   []byte
	audience string
	issuer   string
}

func (v *validator) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	return opts
}

// JWTMiddleware validates bearer tokens and injects the client identity.
func JWTMiddleware(secret string, opts ...Option) gin.HandlerFunc {
	v := &validator{secret: []byte(strings.TrimSpace(secret))}
	for _, opt := range opts {
		opt(v)
	}
	parser := jwt.NewParser(v.parserOptions()...)

	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		if len(v.secret) == 0 {
			unauthorized(c, "missing JWT secret")
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return v.secret, nil
		})
		switch {
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			unauthorized(c, "invalid audience")
			return
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			unauthorized(c, "invalid issuer")
			return
		case errors.Is(err, jwt.ErrTokenExpired):
			unauthorized(c, "token expired")
			return
		case err != nil || !token.Valid:
			unauthorized(c, "invalid token")
			return
		}

		if claims.Subject == "" {
			unauthorized(c, "missing subject")
			return
		}

		c.Request = c.Request.WithContext(WithClientID(c.Request.Context(), claims.Subject))
		c.Set(string(clientIDKey), claims.Subject)

		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
