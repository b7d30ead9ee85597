package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func accessToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	rc := jwt.RegisteredClaims{Subject: sub}
	if !exp.IsZero() {
		rc.ExpiresAt = jwt.NewNumericDate(exp)
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, rc).SignedString([]byte("server-key"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGenerateAndParseToken(t *testing.T) {
	tok, err := GenerateToken("ops", "s3cret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseToken(tok, "s3cret")
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Operator != "ops" {
		t.Errorf("Operator = %q", claims.Operator)
	}
	if _, err := ParseToken(tok, "other"); err == nil {
		t.Error("wrong secret must fail")
	}
}

func TestParseTokenExpired(t *testing.T) {
	tok, err := GenerateToken("ops", "s3cret", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseToken(tok, "s3cret"); err == nil {
		t.Error("expired token must fail")
	}
}

func TestInspectAccessToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	claims, err := InspectAccessToken(accessToken(t, "1234", exp))
	if err != nil {
		t.Fatalf("InspectAccessToken: %v", err)
	}
	if claims.UserID != 1234 {
		t.Errorf("UserID = %d", claims.UserID)
	}
	if !claims.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", claims.ExpiresAt, exp)
	}

	if _, err := InspectAccessToken(accessToken(t, "nobody", time.Time{})); !errors.Is(err, ErrNoSubject) {
		t.Errorf("non-numeric subject: err = %v", err)
	}
}

func TestTokenStorePersistAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "token.json")

	s, err := OpenTokenStore(path)
	if err != nil {
		t.Fatalf("OpenTokenStore: %v", err)
	}
	if _, err := s.AccessToken(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("empty store: err = %v", err)
	}

	tok := accessToken(t, "77", time.Now().Add(time.Hour))
	if err := s.Set(tok, "refresh", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	reopened, err := OpenTokenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.UserID(); got != 77 {
		t.Errorf("UserID from token subject = %d, want 77", got)
	}
	if !reopened.Authenticated() {
		t.Error("expected authenticated")
	}

	cleared := 0
	reopened.OnClear(func() { cleared++ })
	if err := reopened.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if cleared != 1 {
		t.Errorf("OnClear ran %d times, want 1", cleared)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("token file should be removed, stat err = %v", err)
	}

	// clearing an empty store does not re-run hooks
	_ = reopened.Clear()
	if cleared != 1 {
		t.Errorf("OnClear ran again on empty store")
	}
}

func TestTokenStoreExpired(t *testing.T) {
	s := NewMemoryTokenStore(accessToken(t, "5", time.Now().Add(-time.Minute)), 0)
	if s.Authenticated() {
		t.Error("expired token should not count as authenticated")
	}
}

func TestTokenStoreSwitchRunsClearHooks(t *testing.T) {
	s := NewMemoryTokenStore("tok-user7", 7)

	var seen []string
	s.OnClear(func() {
		// Hooks run before the new credentials are visible.
		if s.Authenticated() {
			t.Error("store still authenticated inside the hook")
		}
		seen = append(seen, "clear")
	})

	if err := s.Set("tok-user7", "", 7); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 0 {
		t.Fatalf("re-setting the same credentials ran hooks %d times", len(seen))
	}

	if err := s.Set("tok-user9", "", 9); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 {
		t.Fatalf("account switch ran hooks %d times, want 1", len(seen))
	}
	if tok, _ := s.AccessToken(); tok != "tok-user9" || s.UserID() != 9 {
		t.Errorf("after switch: token %q user %d", tok, s.UserID())
	}

	// A first sign-in has nothing to tear down.
	fresh := NewMemoryTokenStore("", 0)
	fresh.OnClear(func() { t.Error("hook ran on first sign-in") })
	if err := fresh.Set("tok-user9", "", 9); err != nil {
		t.Fatal(err)
	}
}
