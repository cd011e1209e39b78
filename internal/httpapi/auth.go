package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// sessionClaims identify one authenticated recipient session.
type sessionClaims struct {
	RecipientID string
	TenantID    string
}

type jwtClaims struct {
	TenantID string `json:"tenant"`
	jwt.RegisteredClaims
}

// authenticate validates the session JWT from the Authorization header
// or, for browser EventSource/WebSocket clients that cannot set
// headers, from the access_token query parameter.
func (s *Server) authenticate(r *http.Request) (sessionClaims, *authError) {
	raw := ""
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		raw = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	} else {
		raw = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if raw == "" {
		return sessionClaims{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}

	claims := &jwtClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return sessionClaims{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "invalid or expired token",
		}
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return sessionClaims{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "token missing required claims",
		}
	}
	return sessionClaims{RecipientID: claims.Subject, TenantID: claims.TenantID}, nil
}

// requireCronSecret gates the internal trigger endpoints. The compare is
// constant time and a rejected request has no side effects.
func (s *Server) requireCronSecret(r *http.Request) *authError {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if s.cfg.CronSecret == "" ||
		subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.CronSecret)) != 1 {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "invalid trigger secret",
		}
	}
	return nil
}
