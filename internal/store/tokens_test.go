package store

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *Clients {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewClients(db)
}

func TestParseToken(t *testing.T) {
	cases := []struct {
		wire       string
		wantID     string
		wantSecret string
		wantOK     bool
	}{
		{"ao_abc123_deadbeef", "abc123", "deadbeef", true},
		{"malformed", "", "", false},
		{"ao_onlyid", "", "", false},
		{"ao__deadbeef", "", "", false},
		{"ao_abc123_", "", "", false},
	}
	for _, c := range cases {
		id, secret, ok := ParseToken(c.wire)
		if ok != c.wantOK || id != c.wantID || secret != c.wantSecret {
			t.Errorf("ParseToken(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.wire, id, secret, ok, c.wantID, c.wantSecret, c.wantOK)
		}
	}
}

func TestTokensMintAndVerify(t *testing.T) {
	clients := openTestDB(t)
	tokens := NewTokens(clients.db)
	users := NewUsers(clients.db)

	user, err := users.Upsert(42, "octocat", "octocat@example.com")
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	wire, tokenID, err := tokens.Mint(user.ID, "laptop")
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	if tokenID == "" {
		t.Fatal("expected non-empty token id")
	}

	gotUserID, err := tokens.Verify(wire)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if gotUserID != user.ID {
		t.Errorf("verify returned user %q, want %q", gotUserID, user.ID)
	}

	if err := tokens.Revoke(user.ID, tokenID); err != nil {
		t.Fatalf("revoke token: %v", err)
	}
	if _, err := tokens.Verify(wire); err == nil {
		t.Error("expected verify to fail after revoke")
	}
}

func TestTokensVerifyRejectsGarbage(t *testing.T) {
	clients := openTestDB(t)
	tokens := NewTokens(clients.db)

	if _, err := tokens.Verify("not-a-token"); err == nil {
		t.Error("expected error for malformed wire token")
	}
	if _, err := tokens.Verify("ao_unknownid_secret"); err == nil {
		t.Error("expected error for unknown token id")
	}
}
