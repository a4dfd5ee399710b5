package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/platform/httpx"
	"github.com/qrshop/api/internal/platform/requestctx"
)

const (
	defaultRoleClaim     = "role"
	defaultEmailClaim    = "email"
	defaultGuestHeader   = "X-Guest-ID"
	defaultVerifyTimeout = 5 * time.Second

	minGuestIDLength = 8
	maxGuestIDLength = 64
)

var (
	// ErrTokenMissing signals that the request carried no bearer token.
	ErrTokenMissing = errors.New("auth: bearer token missing")
	// ErrTokenInvalid signals that the provided Firebase ID token failed verification.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator resolves customers, guests and staff from request headers.
type Authenticator struct {
	verifier    TokenVerifier
	roleClaim   string
	guestHeader string
	timeout     time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the custom claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithGuestHeader overrides the header carrying anonymous shopper ids.
func WithGuestHeader(header string) Option {
	return func(a *Authenticator) {
		if header = strings.TrimSpace(header); header != "" {
			a.guestHeader = header
		}
	}
}

// WithVerificationTimeout sets the timeout used when verifying tokens.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs an Authenticator. A nil verifier rejects every bearer token.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:    verifier,
		roleClaim:   defaultRoleClaim,
		guestHeader: defaultGuestHeader,
		timeout:     defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// ResolveOwner identifies the shopper. A valid bearer token yields a user owner; otherwise the guest
// header yields a guest owner. Requests with neither are rejected with 401.
func (a *Authenticator) ResolveOwner() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity, err := a.authenticate(r)
			switch {
			case err == nil:
				ctx = WithIdentity(ctx, identity)
				ctx = WithOwner(ctx, domain.Owner{UserID: identity.UID})
			case errors.Is(err, ErrTokenMissing):
				guestID, ok := parseGuestID(r.Header.Get(a.guestHeader))
				if !ok {
					respondAuthError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "sign in or provide a guest id")
					return
				}
				ctx = WithOwner(ctx, domain.Owner{GuestID: guestID})
			default:
				respondVerificationError(w, r, err)
				return
			}
			if owner, ok := OwnerFromContext(ctx); ok {
				ctx = requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(zap.String("owner", owner.Key())))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRoles verifies the bearer token and ensures the identity holds one of the roles.
func (a *Authenticator) RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := a.authenticate(r)
			if err != nil {
				respondVerificationError(w, r, err)
				return
			}
			if len(roles) > 0 && !identity.HasAnyRole(roles...) {
				respondAuthError(w, r, http.StatusForbidden, httpx.CodeInsufficientRole, "identity does not have required role")
				return
			}
			ctx := WithIdentity(r.Context(), identity)
			ctx = WithOwner(ctx, domain.Owner{UserID: identity.UID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) authenticate(r *http.Request) (*Identity, error) {
	tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, ErrTokenMissing
	}
	if a == nil || a.verifier == nil {
		return nil, ErrTokenInvalid
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
	if err != nil {
		if firebaseauth.IsIDTokenExpired(err) || errors.Is(err, ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if token == nil || strings.TrimSpace(token.UID) == "" {
		return nil, ErrTokenInvalid
	}

	roles := rolesFromClaims(token.Claims, a.roleClaim)
	if len(roles) == 0 {
		roles = []string{RoleUser}
	}
	return &Identity{
		UID:   token.UID,
		Email: claimAsString(token.Claims, defaultEmailClaim),
		Roles: roles,
	}, nil
}

func parseGuestID(raw string) (string, bool) {
	id := strings.TrimSpace(raw)
	if len(id) < minGuestIDLength || len(id) > maxGuestIDLength {
		return "", false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return "", false
		}
	}
	return id, true
}

func rolesFromClaims(claims map[string]any, key string) []string {
	var raw []string
	switch v := claims[key].(type) {
	case string:
		raw = []string{v}
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case map[string]any:
		for role, enabled := range v {
			if on, ok := enabled.(bool); ok && on {
				raw = append(raw, role)
			}
		}
	}

	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, role := range raw {
		role = normaliseRole(role)
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func claimAsString(claims map[string]any, key string) string {
	v, _ := claims[key].(string)
	return strings.TrimSpace(v)
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(w http.ResponseWriter, r *http.Request, status int, code httpx.ErrorCode, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

func respondVerificationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrTokenMissing):
		respondAuthError(w, r, http.StatusUnauthorized, httpx.CodeUnauthenticated, "authorization header missing or invalid")
	case errors.Is(err, ErrTokenExpired):
		respondAuthError(w, r, http.StatusUnauthorized, httpx.CodeTokenExpired, "firebase id token expired")
	default:
		respondAuthError(w, r, http.StatusUnauthorized, httpx.CodeInvalidToken, "firebase id token invalid")
	}
}
