package rostercsv

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"
)

// statsCollector aggregates scrape runs between stats log lines.
type statsCollector struct {
	runs       atomic.Uint64
	failures   atomic.Uint64
	totalRows  atomic.Uint64
	minRows    atomic.Uint64
	maxRows    atomic.Uint64
	totalNanos atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRows.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) ObserveRun(rows int, took time.Duration, err error) {
	s.runs.Add(1)
	if took > 0 {
		s.totalNanos.Add(uint64(took))
	}
	if err != nil {
		s.failures.Add(1)
		return
	}
	if rows < 0 {
		rows = 0
	}
	n := uint64(rows)
	s.totalRows.Add(n)

	for {
		cur := s.minRows.Load()
		if n >= cur || s.minRows.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRows.Load()
		if n <= cur || s.maxRows.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Runs     uint64
	Failures uint64
	MinRows  uint64
	AvgRows  uint64
	MaxRows  uint64
	AvgRun   time.Duration
}

func (s *statsCollector) Snapshot() statsSnapshot {
	runs := s.runs.Load()
	if runs == 0 {
		return statsSnapshot{}
	}
	failures := s.failures.Load()
	out := statsSnapshot{
		Runs:     runs,
		Failures: failures,
		AvgRun:   time.Duration(s.totalNanos.Load() / runs),
	}
	if ok := runs - failures; ok > 0 {
		out.MinRows = s.minRows.Load()
		out.MaxRows = s.maxRows.Load()
		out.AvgRows = s.totalRows.Load() / ok
	}
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
