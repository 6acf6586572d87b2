package storage

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coachpo/keyrent/errs"
	"github.com/coachpo/keyrent/internal/observability"
)

// TokenKey is where the auth token is stored.
const TokenKey = "token"

// TokenSource reads the auth token from a Store, rejecting expired JWTs.
type TokenSource struct {
	store  Store
	now    func() time.Time
	leeway time.Duration
}

// NewTokenSource constructs a token source over store.
func NewTokenSource(store Store) *TokenSource {
	return &TokenSource{store: store, now: time.Now, leeway: 30 * time.Second}
}

// WithClock overrides the clock used for expiry checks.
func (t *TokenSource) WithClock(now func() time.Time) *TokenSource {
	if now != nil {
		t.now = now
	}
	return t
}

// Token returns the stored token, or "" when none is stored. Tokens that
// parse as JWTs are checked for expiry; the signature is not verified here.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	raw, err := t.store.Get(ctx, TokenKey)
	if IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", nil
	}
	exp, ok := expiry(token)
	if ok && t.now().After(exp.Add(t.leeway)) {
		return "", errs.New("storage", errs.CodeAuth,
			errs.WithMessage("stored token expired"),
			errs.WithRemediation("sign in again or run `keyrent token set`"),
			errs.WithField("expired_at", exp.UTC().Format(time.RFC3339)))
	}
	return token, nil
}

// Set stores token.
func (t *TokenSource) Set(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errs.New("storage", errs.CodeInvalid, errs.WithMessage("token required"))
	}
	return t.store.Set(ctx, TokenKey, []byte(token))
}

// Clear removes the stored token.
func (t *TokenSource) Clear(ctx context.Context) error {
	return t.store.Delete(ctx, TokenKey)
}

// Expiry returns the exp claim of a JWT, if token is one and carries it.
func Expiry(token string) (time.Time, bool) {
	return expiry(token)
}

func expiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		logger.Debug("token is not a jwt", observability.F("error", err))
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
