package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/keyrent/errs"
)

// exerciseStore runs the shared behaviour checks against any backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.True(t, IsNotFound(err))

	require.NoError(t, s.Set(ctx, "paypal_payment_r1", []byte(`{"activeStep":3}`)))
	got, err := s.Get(ctx, "paypal_payment_r1")
	require.NoError(t, err)
	require.JSONEq(t, `{"activeStep":3}`, string(got))

	require.NoError(t, s.Set(ctx, "paypal_payment_r1", []byte(`{"activeStep":4}`)))
	got, err = s.Get(ctx, "paypal_payment_r1")
	require.NoError(t, err)
	require.JSONEq(t, `{"activeStep":4}`, string(got))

	require.NoError(t, s.Delete(ctx, "paypal_payment_r1"))
	require.NoError(t, s.Delete(ctx, "paypal_payment_r1"))
	_, err = s.Get(ctx, "paypal_payment_r1")
	require.ErrorIs(t, err, ErrNotFound)

	require.True(t, errs.Is(s.Set(ctx, " ", []byte("x")), errs.CodeInvalid))

	type payload struct {
		OrderID string `json:"orderId"`
	}
	require.NoError(t, SetJSON(ctx, s, "json", payload{OrderID: "ord_1"}))
	var out payload
	require.NoError(t, GetJSON(ctx, s, "json", &out))
	require.Equal(t, "ord_1", out.OrderID)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, s.Set(context.Background(), "k", buf))
	buf[0] = 'z'
	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyrent.db")
	s, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Set(context.Background(), "persisted", []byte("yes")))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(context.Background(), "sqlite://"+path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), "persisted")
	require.NoError(t, err)
	require.Equal(t, "yes", string(got))
}

func TestOpenSelectsBackend(t *testing.T) {
	s, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)

	s, err = Open(context.Background(), Config{Backend: "SQLite", DSN: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	require.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), Config{Backend: "etcd"})
	require.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = Open(context.Background(), Config{Backend: "sqlite"})
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestTokenSource(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	src := NewTokenSource(NewMemoryStore()).WithClock(func() time.Time { return now })

	tok, err := src.Token(ctx)
	require.NoError(t, err)
	require.Empty(t, tok)

	valid := signedToken(t, now.Add(time.Hour))
	require.NoError(t, src.Set(ctx, valid))
	tok, err = src.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, valid, tok)

	exp, ok := Expiry(valid)
	require.True(t, ok)
	require.Equal(t, now.Add(time.Hour).Unix(), exp.Unix())

	require.NoError(t, src.Set(ctx, signedToken(t, now.Add(-time.Hour))))
	_, err = src.Token(ctx)
	require.True(t, errs.Is(err, errs.CodeAuth))

	require.NoError(t, src.Set(ctx, "opaque-session-token"))
	tok, err = src.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "opaque-session-token", tok)

	require.NoError(t, src.Clear(ctx))
	tok, err = src.Token(ctx)
	require.NoError(t, err)
	require.Empty(t, tok)

	require.Error(t, src.Set(ctx, "  "))
}

func TestTokenWithinLeewayIsAccepted(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	src := NewTokenSource(NewMemoryStore()).WithClock(func() time.Time { return now })
	tok := signedToken(t, now.Add(-10*time.Second))
	require.NoError(t, src.Set(ctx, tok))
	got, err := src.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, tok, got)
}
