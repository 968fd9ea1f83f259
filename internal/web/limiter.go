package web

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultThrottleBurst    = 30
	defaultThrottleWindow   = time.Minute
	defaultThrottleCapacity = 1000
)

// hostThrottle limits rejected dashboard requests, one token bucket per
// remote host. A bucket holds burst tokens and refills burst per window.
type hostThrottle struct {
	mu        sync.Mutex
	every     rate.Limit
	burst     int
	idle      time.Duration
	capacity  int
	hosts     map[string]*hostBucket
	nextSweep time.Time
}

type hostBucket struct {
	tokens *rate.Limiter
	seen   time.Time
}

func newHostThrottle(burst int, window time.Duration, capacity int) *hostThrottle {
	if burst <= 0 {
		burst = defaultThrottleBurst
	}
	if window <= 0 {
		window = defaultThrottleWindow
	}
	if capacity <= 0 {
		capacity = defaultThrottleCapacity
	}
	return &hostThrottle{
		every:    rate.Every(window / time.Duration(burst)),
		burst:    burst,
		idle:     2 * window,
		capacity: capacity,
		hosts:    make(map[string]*hostBucket),
	}
}

// allow spends one token for host at now.
func (t *hostThrottle) allow(host string, now time.Time) bool {
	if t == nil {
		return true
	}
	if host == "" {
		host = "unknown"
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.hosts[host]
	if !ok {
		if !now.Before(t.nextSweep) || len(t.hosts) >= t.capacity {
			t.sweep(now)
		}
		b = &hostBucket{tokens: rate.NewLimiter(t.every, t.burst)}
		t.hosts[host] = b
	}
	b.seen = now
	return b.tokens.AllowN(now, 1)
}

// sweep forgets hosts idle long enough for a full bucket, then makes room
// for one more host by evicting the least recently seen.
func (t *hostThrottle) sweep(now time.Time) {
	for host, b := range t.hosts {
		if now.Sub(b.seen) >= t.idle {
			delete(t.hosts, host)
		}
	}
	for len(t.hosts) >= t.capacity {
		oldest := ""
		var oldestSeen time.Time
		for host, b := range t.hosts {
			if oldest == "" || b.seen.Before(oldestSeen) {
				oldest, oldestSeen = host, b.seen
			}
		}
		delete(t.hosts, oldest)
	}
	t.nextSweep = now.Add(t.idle / 2)
}

func (t *hostThrottle) tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.hosts)
}
