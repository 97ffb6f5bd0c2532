package rostercsv

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

const clockLayout = "2006-01-02 15:04:05"

// RefreshClock stores when the last clock-advancing bulk refresh finished.
type RefreshClock struct {
	Path string
}

// Last returns the stored time. A missing or unreadable file reads as never.
func (c RefreshClock) Last() (time.Time, bool) {
	b, err := os.ReadFile(c.Path)
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(clockLayout, strings.TrimSpace(string(b)), time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Due compares in whole elapsed minutes. When not due it also returns how
// long is left.
func (c RefreshClock) Due(now time.Time, cooldown time.Duration) (bool, time.Duration) {
	last, ok := c.Last()
	if !ok {
		return true, 0
	}
	elapsed := now.UTC().Sub(last)
	if int64(elapsed/time.Minute) >= int64(cooldown/time.Minute) {
		return true, 0
	}
	return false, cooldown - elapsed
}

func (c RefreshClock) Mark(now time.Time) error {
	if dir := filepath.Dir(c.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(c.Path, []byte(now.UTC().Format(clockLayout)+"\n"), 0o644)
}
