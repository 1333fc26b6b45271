// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for user ID.
	UserIDKey ContextKey = "user_id"
)

// BearerProtocol is the WebSocket subprotocol that carries a token as the
// following protocol entry: "Sec-WebSocket-Protocol: bearer, <token>".
const BearerProtocol = "bearer"

// ErrMissingToken is returned when a request carries no credentials.
var ErrMissingToken = errors.New("missing bearer token")

// Claims represents JWT claims. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// ParseToken verifies an HS256 token and returns its claims.
func ParseToken(jwtSecret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// VerifyFunc returns a token verifier bound to jwtSecret that yields the user id.
func VerifyFunc(jwtSecret string) func(token string) (string, error) {
	return func(token string) (string, error) {
		claims, err := ParseToken(jwtSecret, token)
		if err != nil {
			return "", err
		}
		return claims.Subject, nil
	}
}

// BearerToken extracts the token of an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// WebSocketToken extracts a token from the Authorization header, the token
// query parameter or the bearer subprotocol, in that order.
func WebSocketToken(r *http.Request) (string, error) {
	if tok, err := BearerToken(r); err == nil {
		return tok, nil
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	var protocols []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			protocols = append(protocols, strings.TrimSpace(p))
		}
	}
	for i := 0; i+1 < len(protocols); i++ {
		if strings.EqualFold(protocols[i], BearerProtocol) && protocols[i+1] != "" {
			return protocols[i+1], nil
		}
	}
	return "", ErrMissingToken
}

// Auth creates JWT authentication middleware.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := BearerToken(r)
			if err != nil {
				writeAuthError(w, err.Error())
				return
			}

			claims, err := ParseToken(jwtSecret, tokenString)
			if err != nil {
				writeAuthError(w, "invalid token")
				return
			}

			recordUserID(r.Context(), claims.Subject)
			ctx := WithUserID(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithUserID returns ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID gets user ID from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `","code":"unauthorized"}`))
}
