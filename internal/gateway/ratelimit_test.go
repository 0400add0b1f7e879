package gateway

import "testing"

func TestRateLimiterDisabledWhenRPMNotPositive(t *testing.T) {
	rl := NewRateLimiter(0)
	if rl.Enabled() {
		t.Fatal("expected limiter to be disabled for rpm=0")
	}
	for i := 0; i < 100; i++ {
		if !rl.Allow("conn1") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

func TestRateLimiterCapsBurstPerConnection(t *testing.T) {
	rl := NewRateLimiter(60)
	allowed := 0
	for i := 0; i < rl.burst+5; i++ {
		if rl.Allow("conn1") {
			allowed++
		}
	}
	if allowed != rl.burst {
		t.Fatalf("expected exactly %d allowed in the initial burst, got %d", rl.burst, allowed)
	}
}

func TestRateLimiterTracksConnectionsIndependently(t *testing.T) {
	rl := NewRateLimiter(60)
	for i := 0; i < rl.burst; i++ {
		if !rl.Allow("conn1") {
			t.Fatalf("conn1 request %d unexpectedly denied", i)
		}
	}
	if !rl.Allow("conn2") {
		t.Fatal("a fresh connection should have its own untouched bucket")
	}
}

func TestRateLimiterForgetResetsBucket(t *testing.T) {
	rl := NewRateLimiter(60)
	for i := 0; i < rl.burst; i++ {
		rl.Allow("conn1")
	}
	if rl.Allow("conn1") {
		t.Fatal("bucket should be exhausted before Forget")
	}
	rl.Forget("conn1")
	if !rl.Allow("conn1") {
		t.Fatal("expected a fresh bucket after Forget")
	}
}
