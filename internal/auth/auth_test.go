package auth

import (
	"testing"
	"time"
)

type fakeStore struct {
	saved []Credentials
	err   error
}

func (f *fakeStore) SaveCredentials(c Credentials) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, c)
	return nil
}

func testManager(entries ...Entry) (*Manager, *time.Time) {
	wl := make(map[string]Entry)
	for _, e := range entries {
		wl[e.UserID] = e
	}
	m := New(Credentials{Whitelist: wl}, Config{
		MaxFailures:   3,
		FailureWindow: time.Minute,
		Lockout:       10 * time.Minute,
		RotationGrace: time.Hour,
	}, nil)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, &clock
}

func TestLoginGranted(t *testing.T) {
	m, _ := testManager(Entry{UserID: "42", AccessKey: "k", ServerIP: "1.2.3.4"})

	out := m.Login("42", "1.2.3.4", "k")
	if _, ok := out.(Granted); !ok {
		t.Fatalf("outcome = %#v, want Granted", out)
	}
}

func TestLoginDenials(t *testing.T) {
	expired := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m, _ := testManager(
		Entry{UserID: "42", AccessKey: "k", ServerIP: "1.2.3.4"},
		Entry{UserID: "77", AccessKey: "k", ExpiresAt: expired},
	)

	tests := []struct {
		name   string
		user   string
		ip     string
		key    string
		reason string
	}{
		{"unknown user", "99", "1.2.3.4", "k", ReasonNotWhitelisted},
		{"ip mismatch", "42", "9.9.9.9", "k", ReasonIPMismatch},
		{"bad key", "42", "1.2.3.4", "wrong", ReasonBadKey},
		{"expired entry", "77", "1.2.3.4", "k", ReasonExpired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := m.Login(tc.user, tc.ip, tc.key)
			d, ok := out.(Denied)
			if !ok || d.Reason != tc.reason {
				t.Errorf("outcome = %#v, want Denied(%s)", out, tc.reason)
			}
		})
	}
}

func TestLoginNoIPPinAcceptsAny(t *testing.T) {
	m, _ := testManager(Entry{UserID: "42", AccessKey: "k"})

	if out := m.Login("42", "8.8.8.8", "k"); out != (Granted{}) {
		t.Errorf("outcome = %#v, want Granted", out)
	}
}

func TestLockoutAfterMaxFailures(t *testing.T) {
	m, clock := testManager(Entry{UserID: "42", AccessKey: "k"})

	for i := 0; i < 3; i++ {
		out := m.Login("42", "9.9.9.9", "wrong")
		if _, ok := out.(Denied); !ok {
			t.Fatalf("attempt %d outcome = %#v, want Denied", i, out)
		}
	}

	out := m.Login("42", "9.9.9.9", "k")
	lo, ok := out.(LockedOut)
	if !ok {
		t.Fatalf("outcome = %#v, want LockedOut", out)
	}
	want := clock.Add(10 * time.Minute)
	if !lo.Until.Equal(want) {
		t.Errorf("Until = %v, want %v", lo.Until, want)
	}

	// Other IPs are unaffected.
	if out := m.Login("42", "1.1.1.1", "k"); out != (Granted{}) {
		t.Errorf("clean IP outcome = %#v, want Granted", out)
	}
}

func TestLockoutExpires(t *testing.T) {
	m, clock := testManager(Entry{UserID: "42", AccessKey: "k"})

	for i := 0; i < 3; i++ {
		m.Login("42", "9.9.9.9", "wrong")
	}
	if _, ok := m.Login("42", "9.9.9.9", "k").(LockedOut); !ok {
		t.Fatal("expected LockedOut before expiry")
	}

	*clock = clock.Add(11 * time.Minute)
	if out := m.Login("42", "9.9.9.9", "k"); out != (Granted{}) {
		t.Errorf("outcome after lockout expiry = %#v, want Granted", out)
	}
}

func TestFailureWindowSlides(t *testing.T) {
	m, clock := testManager(Entry{UserID: "42", AccessKey: "k"})

	m.Login("42", "9.9.9.9", "wrong")
	m.Login("42", "9.9.9.9", "wrong")
	// Old failures age out of the window before the third.
	*clock = clock.Add(2 * time.Minute)
	m.Login("42", "9.9.9.9", "wrong")

	if out := m.Login("42", "9.9.9.9", "k"); out != (Granted{}) {
		t.Errorf("outcome = %#v, want Granted (window should have slid)", out)
	}
}

func TestSuccessClearsFailures(t *testing.T) {
	m, _ := testManager(Entry{UserID: "42", AccessKey: "k"})

	m.Login("42", "9.9.9.9", "wrong")
	m.Login("42", "9.9.9.9", "wrong")
	if out := m.Login("42", "9.9.9.9", "k"); out != (Granted{}) {
		t.Fatalf("outcome = %#v, want Granted", out)
	}
	// Counter restarted: two more failures do not lock.
	m.Login("42", "9.9.9.9", "wrong")
	m.Login("42", "9.9.9.9", "wrong")
	if out := m.Login("42", "9.9.9.9", "k"); out != (Granted{}) {
		t.Errorf("outcome = %#v, want Granted", out)
	}
}

func TestSharedTokenLogin(t *testing.T) {
	m, clock := testManager()
	m.tokens = []TokenKey{
		{Token: "live"},
		{Token: "old", ExpiresAt: clock.Add(-time.Hour)},
	}

	if out := m.Login("555", "1.2.3.4", "live"); out != (Granted{}) {
		t.Errorf("live token outcome = %#v, want Granted", out)
	}
	out := m.Login("555", "1.2.3.4", "old")
	if d, ok := out.(Denied); !ok || d.Reason != ReasonNotWhitelisted {
		t.Errorf("expired token outcome = %#v, want Denied(not_whitelisted)", out)
	}
}

func TestRotateToken(t *testing.T) {
	m, clock := testManager()
	store := &fakeStore{}
	m.store = store
	m.tokens = []TokenKey{{Token: "old"}}

	if err := m.RotateToken("new"); err != nil {
		t.Fatalf("RotateToken: %v", err)
	}

	if out := m.Login("1", "ip", "new"); out != (Granted{}) {
		t.Errorf("new token outcome = %#v, want Granted", out)
	}
	// Old token stays live during the grace period, then dies.
	if out := m.Login("1", "ip", "old"); out != (Granted{}) {
		t.Errorf("old token in grace outcome = %#v, want Granted", out)
	}
	*clock = clock.Add(2 * time.Hour)
	if _, ok := m.Login("1", "ip", "old").(Denied); !ok {
		t.Error("old token should be dead after grace period")
	}

	if len(store.saved) != 1 {
		t.Errorf("expected one persisted snapshot, got %d", len(store.saved))
	}
}

func TestUpdateAndRevokeKey(t *testing.T) {
	m, _ := testManager()
	store := &fakeStore{}
	m.store = store

	if err := m.UpdateKey("42", "k", time.Time{}); err != nil {
		t.Fatalf("UpdateKey: %v", err)
	}
	if out := m.Login("42", "ip", "k"); out != (Granted{}) {
		t.Errorf("outcome after UpdateKey = %#v, want Granted", out)
	}

	if err := m.RevokeKey("42"); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if _, ok := m.Login("42", "ip", "k").(Denied); !ok {
		t.Error("expected Denied after RevokeKey")
	}
	if err := m.RevokeKey("42"); err == nil {
		t.Error("expected error revoking missing entry")
	}

	if len(store.saved) != 2 {
		t.Errorf("expected two persisted snapshots, got %d", len(store.saved))
	}
}

func TestIsAdmin(t *testing.T) {
	m, _ := testManager(
		Entry{UserID: "1", AccessKey: "k", Admin: true},
		Entry{UserID: "2", AccessKey: "k"},
	)
	if !m.IsAdmin("1") {
		t.Error("user 1 should be admin")
	}
	if m.IsAdmin("2") || m.IsAdmin("nobody") {
		t.Error("non-admins reported as admin")
	}
}
