package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/qrshop/api/internal/platform/httpx"
)

// ServiceIdentity describes the service account that invoked an internal endpoint.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity attaches the verified service identity to the request context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext retrieves the identity stored by the OIDC middleware.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// OIDCValidator guards internal endpoints invoked by Cloud Scheduler or other Google-signed callers.
type OIDCValidator struct {
	keys          *JWKSCache
	audience      string
	issuers       []string
	allowedEmails []string
	logger        *zap.Logger
	verifications metric.Int64Counter
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger sets the logger used for rejected tokens.
func WithOIDCLogger(logger *zap.Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMeter records verification outcomes on the provided meter.
func WithOIDCMeter(meter metric.Meter) OIDCOption {
	return func(v *OIDCValidator) {
		if meter == nil {
			return
		}
		if counter, err := meter.Int64Counter("auth.oidc.verifications"); err == nil {
			v.verifications = counter
		}
	}
}

// WithAllowedEmails restricts callers to the listed service account emails.
func WithAllowedEmails(emails ...string) OIDCOption {
	return func(v *OIDCValidator) {
		for _, email := range emails {
			if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
				v.allowedEmails = append(v.allowedEmails, email)
			}
		}
	}
}

// NewOIDCValidator constructs a validator for tokens minted for audience by one of issuers.
func NewOIDCValidator(keys *JWKSCache, audience string, issuers []string, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{
		keys:     keys,
		audience: strings.TrimSpace(audience),
		logger:   zap.NewNop(),
	}
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			v.issuers = append(v.issuers, issuer)
		}
	}
	counter, err := otel.GetMeterProvider().Meter("github.com/qrshop/api/internal/platform/auth").Int64Counter("auth.oidc.verifications")
	if err == nil {
		v.verifications = counter
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Middleware rejects requests without a valid token and stores the caller's ServiceIdentity.
func (v *OIDCValidator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, status, reason := v.verify(r)
			v.record(r.Context(), reason)
			if identity == nil {
				v.logger.Warn("oidc verification rejected", zap.String("reason", reason), zap.String("path", r.URL.Path))
				code := httpx.CodeInvalidToken
				switch status {
				case http.StatusServiceUnavailable:
					code = httpx.CodeVerificationUnavailable
				case http.StatusForbidden:
					code = httpx.CodeCallerNotAllowed
				}
				respondAuthError(w, r, status, code, "oidc verification failed: "+reason)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(r.Context(), identity)))
		})
	}
}

func (v *OIDCValidator) verify(r *http.Request) (*ServiceIdentity, int, string) {
	if v == nil || v.keys == nil || v.audience == "" {
		return nil, http.StatusServiceUnavailable, "not_configured"
	}
	tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		tokenStr = strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
	}
	if tokenStr == "" {
		return nil, http.StatusUnauthorized, "token_missing"
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if _, err := parser.ParseWithClaims(tokenStr, claims, v.keys.Keyfunc(r.Context())); err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, http.StatusServiceUnavailable, "jwks_unavailable"
		}
		return nil, http.StatusUnauthorized, "token_invalid"
	}

	issuer, _ := claims["iss"].(string)
	if len(v.issuers) > 0 && !slices.Contains(v.issuers, issuer) {
		return nil, http.StatusUnauthorized, "issuer_mismatch"
	}
	if !claims.VerifyAudience(v.audience, true) {
		return nil, http.StatusUnauthorized, "audience_mismatch"
	}
	email, _ := claims["email"].(string)
	if len(v.allowedEmails) > 0 && !slices.Contains(v.allowedEmails, strings.ToLower(email)) {
		return nil, http.StatusForbidden, "caller_not_allowed"
	}
	subject, _ := claims["sub"].(string)
	return &ServiceIdentity{Subject: subject, Email: email, Issuer: issuer}, http.StatusOK, "ok"
}

func (v *OIDCValidator) record(ctx context.Context, reason string) {
	if v == nil || v.verifications == nil {
		return
	}
	v.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
