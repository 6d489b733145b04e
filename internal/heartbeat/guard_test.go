package heartbeat

import (
	"testing"
	"time"
)

func TestGuardCooldown(t *testing.T) {
	now := time.Unix(1000, 0)
	g := NewGuardWithNow(time.Minute, func() time.Time { return now })

	if g.Blocked("a") {
		t.Fatalf("unmarked address blocked")
	}
	g.Mark("a")
	if !g.Blocked("a") {
		t.Fatalf("expected marked address blocked")
	}
	now = now.Add(59 * time.Second)
	if !g.Blocked("a") {
		t.Fatalf("expected block inside cooldown")
	}
	now = now.Add(time.Second)
	if g.Blocked("a") {
		t.Fatalf("expected block lifted after cooldown")
	}
}

func TestGuardClear(t *testing.T) {
	g := NewGuard(time.Hour)
	g.Mark("a")
	g.Clear("a")
	if g.Blocked("a") {
		t.Fatalf("expected cleared address unblocked")
	}
}
