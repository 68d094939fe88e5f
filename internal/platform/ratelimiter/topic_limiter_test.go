package ratelimiter

import (
	"testing"
	"time"
)

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *TopicLimiter
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !l.Allow("topic", now) {
			t.Fatal("nil limiter blocked a message")
		}
	}
	l.Forget("topic")
}

func TestNewRejectsNonPositiveSettings(t *testing.T) {
	if New(0, 5, time.Minute) != nil {
		t.Error("zero rps should disable limiting")
	}
	if New(2, 0, time.Minute) != nil {
		t.Error("zero burst should disable limiting")
	}
}

func TestBurstThenThrottle(t *testing.T) {
	l := New(1, 3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.Allow("topic-a", now) {
			t.Fatalf("burst message %d blocked", i)
		}
	}
	if l.Allow("topic-a", now) {
		t.Fatal("message beyond burst allowed")
	}

	// Other topics have independent buckets.
	if !l.Allow("topic-b", now) {
		t.Fatal("unrelated topic throttled")
	}

	// Tokens refill with time.
	if !l.Allow("topic-a", now.Add(2*time.Second)) {
		t.Fatal("refilled bucket still blocked")
	}
}

func TestForgetResetsBucket(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()

	if !l.Allow("topic", now) {
		t.Fatal("first message blocked")
	}
	if l.Allow("topic", now) {
		t.Fatal("second message allowed within burst 1")
	}

	l.Forget("topic")
	if !l.Allow("topic", now) {
		t.Fatal("bucket not reset after Forget")
	}
}

func TestIdleTopicsAreSwept(t *testing.T) {
	l := New(1, 1, 10*time.Millisecond)
	start := time.Now()

	l.Allow("stale", start)
	// Drive enough hits on another topic to trigger the lazy sweep well
	// after the stale entry's TTL.
	later := start.Add(time.Second)
	for i := 0; i < 512; i++ {
		l.Allow("busy", later)
	}

	l.mu.Lock()
	_, ok := l.byTopic["stale"]
	l.mu.Unlock()
	if ok {
		t.Fatal("idle topic survived the sweep")
	}
}
