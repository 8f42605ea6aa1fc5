// Package auth authenticates HITL reviewers and internal service callers.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	HeaderReviewer    = "X-Reviewer"
	HeaderInternalKey = "X-Internal-API-Key"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrInvalidToken    = errors.New("invalid token")
)

type ctxKey string

const ctxKeyReviewer ctxKey = "management.reviewer"

// ReviewerFromContext returns the authenticated reviewer, or "" outside a
// reviewer-protected route.
func ReviewerFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyReviewer).(string)
	return v
}

func WithReviewer(ctx context.Context, reviewer string) context.Context {
	return context.WithValue(ctx, ctxKeyReviewer, reviewer)
}

// ReviewerVerifier resolves the reviewer of a request. With a secret it expects
// an HS256 bearer token whose sub claim names the reviewer. Without one it trusts
// the X-Reviewer header, which is only suitable for local development.
type ReviewerVerifier struct {
	secret []byte
	issuer string
}

func NewReviewerVerifier(secret, issuer string) *ReviewerVerifier {
	if secret == "" {
		log.Printf("[auth] HITL_JWT_SECRET is empty; trusting the %s header", HeaderReviewer)
	}
	return &ReviewerVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *ReviewerVerifier) Verify(r *http.Request) (string, error) {
	if len(v.secret) == 0 {
		reviewer := strings.TrimSpace(r.Header.Get(HeaderReviewer))
		if reviewer == "" {
			return "", fmt.Errorf("missing %s header: %w", HeaderReviewer, ErrUnauthenticated)
		}
		return reviewer, nil
	}

	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return "", fmt.Errorf("missing bearer token: %w", ErrUnauthenticated)
	}
	return v.verifyToken(strings.TrimSpace(authz[7:]))
}

func (v *ReviewerVerifier) verifyToken(raw string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	return sub, nil
}

// RequireReviewer rejects requests without a reviewer identity and stores it in
// the request context.
func RequireReviewer(v *ReviewerVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reviewer, err := v.Verify(r)
			if err != nil {
				log.Printf("[auth] reviewer rejected path=%s: %v", r.URL.Path, err)
				http.Error(w, "reviewer authentication required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithReviewer(r.Context(), reviewer)))
		})
	}
}

// RequireInternalKey guards service-to-service routes with the shared API key.
func RequireInternalKey(key string) func(http.Handler) http.Handler {
	want := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(HeaderInternalKey))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				http.Error(w, "invalid internal api key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
