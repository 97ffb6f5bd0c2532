package rostercsv

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrEmptyRoster means no character produced a record.
	ErrEmptyRoster = errors.New("no characters produced any data")
	// ErrIncompleteData is returned by a cache refresh whose result failed the
	// completeness check on every attempt.
	ErrIncompleteData = errors.New("incomplete roster data")
	// ErrRefreshInFlight means another refresh already owns the key.
	ErrRefreshInFlight = errors.New("refresh already in flight")
	// ErrNetworkTransient marks connection-level failures that are worth retrying.
	ErrNetworkTransient = errors.New("transient network failure")
)

// CharacterRecord is one CSV row. Name is always set.
type CharacterRecord struct {
	Name        string
	Class       string
	ItemLevel   string
	CombatPower string
}

// RosterResult is ordered by item level, highest first.
type RosterResult []CharacterRecord

// CacheEntry is the cached roster of one priority character.
type CacheEntry struct {
	Region     string
	Name       string
	Data       RosterResult // nil when absent
	CapturedAt time.Time
	Updating   bool
}

type cacheKey struct {
	region string
	name   string
}

func keyFor(region, name string) cacheKey {
	return cacheKey{region: strings.ToUpper(strings.TrimSpace(region)), name: strings.ToLower(strings.TrimSpace(name))}
}

func (k cacheKey) String() string { return k.region + "/" + k.name }
