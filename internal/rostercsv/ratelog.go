package rostercsv

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// rateLimitedLogger drops messages arriving within interval of the last one
// it let through.
type rateLimitedLogger struct {
	log      *log.Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(l *log.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: l, interval: interval}
}

func (l *rateLimitedLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	dropped := l.dropped
	l.lastAt = now
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		l.log.Warnf(format+" (%d similar suppressed)", append(args, dropped)...)
		return
	}
	l.log.Warnf(format, args...)
}
