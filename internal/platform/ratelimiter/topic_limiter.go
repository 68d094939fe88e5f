package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TopicLimiter applies a token bucket per topic string. Idle topics are
// swept lazily so a churn of short-lived pairings cannot grow the map
// without bound.
type TopicLimiter struct {
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	sweepEvk uint64

	mu      sync.Mutex
	byTopic map[string]*topicEntry
	hits    uint64
}

type topicEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns a limiter, or nil (meaning "allow everything") for
// non-positive arguments.
func New(rps float64, burst int, idleTTL time.Duration) *TopicLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &TopicLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		idleTTL:  idleTTL,
		sweepEvk: 256,
		byTopic:  make(map[string]*topicEntry),
	}
}

// Allow reports whether one inbound message for topic may be processed at now.
func (l *TopicLimiter) Allow(topic string, now time.Time) bool {
	if l == nil {
		return true
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byTopic[topic]
	if !ok {
		e = &topicEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byTopic[topic] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%l.sweepEvk == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byTopic {
			if v.lastSeen.Before(cutoff) {
				delete(l.byTopic, k)
			}
		}
	}
	return allowed
}

// Forget drops the bucket for topic, typically after a session ends.
func (l *TopicLimiter) Forget(topic string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byTopic, topic)
}
