package infrastructure

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SenderLimiter applies a token bucket per sender address.
type SenderLimiter struct {
	mu       sync.Mutex
	limiters map[string]*senderBucket
	limit    rate.Limit
	burst    int
	idle     time.Duration
	stop     chan struct{}
	once     sync.Once
}

type senderBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSenderLimiter allows perMinute messages per sender with an equal burst.
// perMinute <= 0 disables limiting.
func NewSenderLimiter(perMinute int) *SenderLimiter {
	l := &SenderLimiter{
		limiters: make(map[string]*senderBucket),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    perMinute,
		idle:     10 * time.Minute,
		stop:     make(chan struct{}),
	}
	if perMinute <= 0 {
		l.limit = rate.Inf
	}

	// Start cleanup goroutine
	go l.cleanup(5 * time.Minute)

	return l
}

// Allow reports whether sender may send one more message now.
func (l *SenderLimiter) Allow(sender string) bool {
	l.mu.Lock()
	b, ok := l.limiters[sender]
	if !ok {
		b = &senderBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[sender] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

// Reset forgets the bucket of one sender.
func (l *SenderLimiter) Reset(sender string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, sender)
}

// ActiveSenders returns how many senders currently hold a bucket.
func (l *SenderLimiter) ActiveSenders() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *SenderLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

// cleanup removes buckets idle for longer than l.idle
func (l *SenderLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

func (l *SenderLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sender, b := range l.limiters {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.limiters, sender)
		}
	}
}
