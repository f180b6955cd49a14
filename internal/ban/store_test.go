package ban

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parlor/chat-server/internal/auth"
)

// newTestStore connects to a local Redis instance and cleans up test keys.
// Tests that call this helper skip when no Redis is running on
// localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	cleanup := func() {
		for _, pattern := range []string{BanPrefix + "test_*", ReportsPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewStore(client)
}

func TestIsBannedUnknownUser(t *testing.T) {
	store := newTestStore(t)

	banned, remaining, reason, err := store.IsBanned(context.Background(), "test_no_ban")
	if err != nil {
		t.Fatalf("IsBanned: %v", err)
	}
	if banned {
		t.Errorf("expected not banned, got banned (remaining=%d reason=%q)", remaining, reason)
	}
}

func TestBanUnbanRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_ban_roundtrip"

	if err := store.Ban(ctx, user, 30*time.Second, "spam"); err != nil {
		t.Fatalf("Ban: %v", err)
	}

	banned, remaining, reason, err := store.IsBanned(ctx, user)
	if err != nil {
		t.Fatalf("IsBanned: %v", err)
	}
	if !banned {
		t.Fatal("expected banned=true")
	}
	if reason != "spam" {
		t.Errorf("reason = %q, want spam", reason)
	}
	if remaining <= 0 || remaining > 30 {
		t.Errorf("remaining = %d, want in (0,30]", remaining)
	}

	if err := store.Unban(ctx, user); err != nil {
		t.Fatalf("Unban: %v", err)
	}
	banned, _, _, err = store.IsBanned(ctx, user)
	if err != nil {
		t.Fatalf("IsBanned after Unban: %v", err)
	}
	if banned {
		t.Error("still banned after Unban")
	}
}

func TestEscalationDuration(t *testing.T) {
	cases := []struct {
		count int
		want  time.Duration
	}{
		{0, Ban15Min},
		{1, Ban15Min},
		{2, Ban1Hour},
		{3, Ban24Hour},
		{10, Ban24Hour},
	}
	for _, tc := range cases {
		if got := escalationDuration(tc.count); got != tc.want {
			t.Errorf("escalationDuration(%d) = %v, want %v", tc.count, got, tc.want)
		}
	}
}

func TestEscalateAppliesIncreasingBans(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_escalate"

	d, err := store.Escalate(ctx, user, "spam")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if d != Ban15Min {
		t.Errorf("1st offense duration = %v, want %v", d, Ban15Min)
	}

	store.Unban(ctx, user)

	d, err = store.Escalate(ctx, user, "harassment")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if d != Ban1Hour {
		t.Errorf("2nd offense duration = %v, want %v", d, Ban1Hour)
	}

	count, err := store.GetOffenseCount(ctx, user)
	if err != nil {
		t.Fatalf("GetOffenseCount: %v", err)
	}
	if count != 2 {
		t.Errorf("offense count = %d, want 2", count)
	}
}

func TestReportAndCheckAutoBan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_report_autoban"

	for i := 1; i <= 2; i++ {
		banned, _, err := store.ReportAndCheck(ctx, user, "rude")
		if err != nil {
			t.Fatalf("ReportAndCheck #%d: %v", i, err)
		}
		if banned {
			t.Fatalf("banned after %d reports, threshold is %d", i, AutoBanThreshold)
		}
	}

	banned, duration, err := store.ReportAndCheck(ctx, user, "rude")
	if err != nil {
		t.Fatalf("ReportAndCheck #3: %v", err)
	}
	if !banned {
		t.Fatal("expected auto-ban at threshold")
	}
	if duration != Ban24Hour {
		t.Errorf("duration = %v, want %v", duration, Ban24Hour)
	}

	isBanned, _, reason, _ := store.IsBanned(ctx, user)
	if !isBanned {
		t.Fatal("IsBanned=false after auto-ban")
	}
	if reason != "multiple_reports" {
		t.Errorf("reason = %q, want multiple_reports", reason)
	}
}

// staticVerifier admits any token as a fixed identity.
type staticVerifier struct{ ident auth.Identity }

func (v staticVerifier) Verify(string) (auth.Identity, error) { return v.ident, nil }

func TestGateRefusesBannedUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_gate_banned"

	gate := NewGate(staticVerifier{ident: auth.Identity{ID: user, Name: "mallory"}}, store)

	if _, err := gate.Verify("any-token"); err != nil {
		t.Fatalf("unbanned user refused: %v", err)
	}

	if err := store.Ban(ctx, user, time.Minute, "abuse"); err != nil {
		t.Fatalf("Ban: %v", err)
	}

	_, err := gate.Verify("any-token")
	if err == nil {
		t.Fatal("banned user admitted")
	}
	if auth.KindOf(err) != auth.KindInvalid {
		t.Errorf("kind = %v, want %v", auth.KindOf(err), auth.KindInvalid)
	}
}
