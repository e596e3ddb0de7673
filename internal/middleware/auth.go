package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"go-estate-market/internal/guard"
	"go-estate-market/internal/model"
	"go-estate-market/internal/ratelimit"
	"go-estate-market/internal/token"
)

const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
)

type Authorizer interface {
	Authorize(ctx context.Context, req guard.Request) guard.Decision
}

type contextKey string

const (
	identityContextKey    contextKey = "identity"
	accessTokenContextKey contextKey = "access_token"
)

// GuardMiddleware turns a guard decision into either the next handler or a
// JSON error envelope.
type GuardMiddleware struct {
	authorizer Authorizer
	trustProxy bool
}

func NewGuardMiddleware(authorizer Authorizer, trustProxy bool) *GuardMiddleware {
	return &GuardMiddleware{authorizer: authorizer, trustProxy: trustProxy}
}

func (m *GuardMiddleware) Protect(rule guard.Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			access := bearerToken(r)
			decision := m.authorizer.Authorize(r.Context(), guard.Request{
				Token:    access,
				ClientIP: ClientIP(r, m.trustProxy),
				Rule:     rule,
			})

			setRateLimitHeaders(w, decision.RateLimit)

			switch decision.Outcome {
			case guard.Proceed:
			case guard.Unauthorized:
				logDenied(r, decision)
				writeErrorEnvelope(w, http.StatusUnauthorized, &model.APIError{
					Code:    "UNAUTHORIZED",
					Message: "authentication required",
				})
				return
			case guard.Forbidden:
				logDenied(r, decision)
				writeErrorEnvelope(w, http.StatusForbidden, &model.APIError{
					Code:    "FORBIDDEN",
					Message: "insufficient permissions",
				})
				return
			case guard.RateLimited:
				retryAfter := retryAfterSeconds(decision)
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				writeErrorEnvelope(w, http.StatusTooManyRequests, &model.APIError{
					Code:       "RATE_LIMITED",
					Message:    "too many requests",
					RetryAfter: retryAfter,
				})
				return
			default:
				logDenied(r, decision)
				writeErrorEnvelope(w, http.StatusServiceUnavailable, &model.APIError{
					Code:    "SERVICE_UNAVAILABLE",
					Message: "Service temporarily unavailable",
				})
				return
			}

			ctx := r.Context()
			if rule.Authenticated {
				recordPrincipal(ctx, decision.Identity.PrincipalID)
				ctx = context.WithValue(ctx, identityContextKey, decision.Identity)
				ctx = context.WithValue(ctx, accessTokenContextKey, access)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func IdentityFromContext(ctx context.Context) (model.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(model.Identity)
	return identity, ok
}

func AccessTokenFromContext(ctx context.Context) (token.AccessToken, bool) {
	access, ok := ctx.Value(accessTokenContextKey).(token.AccessToken)
	return access, ok && access != ""
}

// WithIdentity is used by tests of handlers that sit behind Protect.
func WithIdentity(ctx context.Context, identity model.Identity, access token.AccessToken) context.Context {
	ctx = context.WithValue(ctx, identityContextKey, identity)
	return context.WithValue(ctx, accessTokenContextKey, access)
}

func bearerToken(r *http.Request) token.AccessToken {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return token.AccessToken(strings.TrimSpace(header[7:]))
}

func setRateLimitHeaders(w http.ResponseWriter, rl ratelimit.Result) {
	if rl.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set(headerRateLimitLimit, strconv.Itoa(rl.Limit))
	h.Set(headerRateLimitRemaining, strconv.Itoa(rl.Remaining))
	h.Set(headerRateLimitReset, strconv.FormatInt(rl.ResetAt.Unix(), 10))
}

func retryAfterSeconds(d guard.Decision) int64 {
	secs := int64(math.Ceil(d.RetryAfter().Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func logDenied(r *http.Request, d guard.Decision) {
	attrs := []any{
		"request_id", RequestIDFromContext(r.Context()),
		"outcome", d.Outcome.String(),
		"path", r.URL.Path,
	}
	if d.Identity.PrincipalID != "" {
		attrs = append(attrs, "principal_id", d.Identity.PrincipalID)
	}
	if d.Err != nil {
		attrs = append(attrs, "error", d.Err.Error())
	}
	if d.Outcome == guard.Unavailable {
		slog.WarnContext(r.Context(), "request denied", attrs...)
		return
	}
	slog.DebugContext(r.Context(), "request denied", attrs...)
}
