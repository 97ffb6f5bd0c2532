package rostercsv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// scrapeFunc runs one full scrape; the cache never calls the pipeline any
// other way.
type scrapeFunc func(ctx context.Context, region, name string) (RosterResult, error)

// Priority is one allow-listed character.
type Priority struct {
	Region string
	Name   string
}

// Cache outcomes, reported in the X-Rostercsv header.
const (
	outcomeHit    = "hit"
	outcomeMiss   = "miss"
	outcomeBypass = "bypass"
)

// PriorityCache serves allow-listed rosters from memory and keeps them fresh
// in the background. Everything else goes straight to the scraper.
type PriorityCache struct {
	scrape   scrapeFunc
	clock    RefreshClock
	store    *entryStore
	priority []Priority
	allow    map[string]struct{}

	softRefresh time.Duration
	hardExpiry  time.Duration
	cooldown    time.Duration
	attempts    int
	retryDelay  time.Duration

	log *log.Logger
	now func() time.Time

	mu      sync.Mutex
	entries map[cacheKey]*CacheEntry

	bulkMu sync.Mutex

	bgSem    chan struct{}
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

func newPriorityCache(scrape scrapeFunc, cfg Config, store *entryStore, logger *log.Logger) *PriorityCache {
	c := &PriorityCache{
		scrape:      scrape,
		clock:       RefreshClock{Path: cfg.Cache.ClockPath},
		store:       store,
		priority:    cfg.Cache.priority,
		allow:       map[string]struct{}{},
		softRefresh: cfg.Cache.softRefresh,
		hardExpiry:  cfg.Cache.hardExpiry,
		cooldown:    cfg.Cache.cooldown,
		attempts:    max(1, cfg.Cache.RefreshAttempts),
		retryDelay:  cfg.Cache.refreshRetryDelay,
		log:         logger,
		now:         time.Now,
		entries:     map[cacheKey]*CacheEntry{},
		bgSem:       make(chan struct{}, 4),
	}
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())
	for _, p := range c.priority {
		c.allow[strings.ToLower(p.Name)] = struct{}{}
	}
	if store != nil {
		c.restore(store.Entries())
	}
	return c
}

func (c *PriorityCache) restore(ents []CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range ents {
		if !c.IsPriority(e.Name) || e.Data == nil {
			continue
		}
		e.Updating = false
		c.entries[keyFor(e.Region, e.Name)] = &e
	}
	if len(c.entries) > 0 {
		c.log.Infof("restored %d cached rosters", len(c.entries))
	}
}

// IsPriority matches the allow-list case-insensitively, in any region.
func (c *PriorityCache) IsPriority(name string) bool {
	_, ok := c.allow[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Close stops background refreshes and waits for them to exit.
func (c *PriorityCache) Close() {
	c.bgCancel()
	c.wg.Wait()
}

// GetCachedOrFresh returns cached data for priority characters when there is
// any, scheduling a background refresh once it is older than the soft refresh
// interval. Without cached data it scrapes directly and schedules a
// background refresh to fill the entry, unless one already holds the key.
func (c *PriorityCache) GetCachedOrFresh(ctx context.Context, region, name string) (RosterResult, error) {
	data, _, err := c.get(ctx, region, name)
	return data, err
}

func (c *PriorityCache) get(ctx context.Context, region, name string) (RosterResult, string, error) {
	if !c.IsPriority(name) {
		data, err := c.scrape(ctx, region, name)
		return data, outcomeBypass, err
	}

	k := keyFor(region, name)
	c.mu.Lock()
	var (
		data    RosterResult
		stale   bool
		pending bool
	)
	if ent, ok := c.entries[k]; ok {
		pending = ent.Updating
		if ent.Data != nil {
			data = ent.Data
			stale = !ent.Updating && c.now().Sub(ent.CapturedAt) > c.softRefresh
		}
	}
	c.mu.Unlock()

	if data != nil {
		if stale {
			c.refreshAsync(region, name)
		}
		return data, outcomeHit, nil
	}

	// The direct result is never written; the background refresh owns the
	// entry and fills it for later reads.
	data, err := c.scrape(ctx, region, name)
	if !pending {
		c.refreshAsync(region, name)
	}
	return data, outcomeMiss, err
}

func (c *PriorityCache) refreshAsync(region, name string) {
	select {
	case c.bgSem <- struct{}{}:
	default:
		c.log.Debugf("background refresh of %s/%s skipped: pool busy", region, name)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.bgSem }()
		err := c.UpdateCharacterCache(c.bgCtx, region, name, false)
		switch {
		case err == nil:
			c.log.Infof("background refresh of %s/%s done", region, name)
		case errors.Is(err, ErrRefreshInFlight):
		default:
			c.log.Warnf("background refresh of %s/%s: %v", region, name, err)
		}
	}()
}

// claim marks k as updating and returns the data visible before the refresh.
// It fails if another refresh holds k.
func (c *PriorityCache) claim(k cacheKey, region, name string) (RosterResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[k]
	if !ok {
		ent = &CacheEntry{Region: k.region, Name: name}
		c.entries[k] = ent
	}
	if ent.Updating {
		return nil, false
	}
	ent.Updating = true
	return ent.Data, true
}

func (c *PriorityCache) release(k cacheKey) {
	c.mu.Lock()
	if ent, ok := c.entries[k]; ok {
		ent.Updating = false
	}
	c.mu.Unlock()
}

// commit replaces the data for k and releases the claim.
func (c *PriorityCache) commit(k cacheKey, data RosterResult) {
	c.mu.Lock()
	ent := c.entries[k]
	ent.Data = data
	ent.CapturedAt = c.now()
	ent.Updating = false
	snapshot := *ent
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	if data == nil {
		c.store.Delete(k.String())
		return
	}
	c.store.PutAsync(k.String(), snapshot)
}

// UpdateCharacterCache scrapes up to the configured number of attempts and
// commits the first complete result. Readers keep seeing the previous data
// throughout. When every attempt falls short the previous data stays, unless
// there is none or force is set; then the last result is committed, or
// nothing if the last attempt failed outright.
func (c *PriorityCache) UpdateCharacterCache(ctx context.Context, region, name string, force bool) error {
	k := keyFor(region, name)
	prev, ok := c.claim(k, region, name)
	if !ok {
		return fmt.Errorf("%s: %w", k, ErrRefreshInFlight)
	}

	var (
		last    RosterResult
		lastErr error
	)
	for attempt := 1; attempt <= c.attempts; attempt++ {
		last, lastErr = c.scrape(ctx, region, name)
		if lastErr == nil && Complete(last) {
			c.commit(k, last)
			c.log.Infof("cache %s updated: %d rows", k, len(last))
			return nil
		}
		if lastErr != nil {
			c.log.Warnf("cache %s attempt %d/%d: %v", k, attempt, c.attempts, lastErr)
		} else {
			c.log.Warnf("cache %s attempt %d/%d: incomplete result (%d rows)", k, attempt, c.attempts, len(last))
		}
		if attempt == c.attempts {
			break
		}
		if err := sleepCtx(ctx, c.retryDelay); err != nil {
			c.release(k)
			return err
		}
	}

	if prev != nil && !force {
		c.release(k)
		if lastErr != nil {
			return fmt.Errorf("refresh %s: %w", k, lastErr)
		}
		return fmt.Errorf("refresh %s: %w", k, ErrIncompleteData)
	}
	if lastErr != nil {
		c.commit(k, nil)
		return fmt.Errorf("refresh %s: %w", k, lastErr)
	}
	c.commit(k, last)
	return fmt.Errorf("refresh %s: %w", k, ErrIncompleteData)
}

// RefreshDue reports whether the cooldown allows a bulk refresh now.
func (c *PriorityCache) RefreshDue() (bool, time.Duration) {
	return c.clock.Due(c.now(), c.cooldown)
}

// BulkRefreshRunning reports whether a bulk pass holds the cache.
func (c *PriorityCache) BulkRefreshRunning() bool {
	if c.bulkMu.TryLock() {
		c.bulkMu.Unlock()
		return false
	}
	return true
}

// BulkRefresh refreshes every priority character in order, one at a time,
// if the cooldown has elapsed. ran is false when the cooldown skipped the
// pass. A pass already in progress makes it return ErrRefreshInFlight.
func (c *PriorityCache) BulkRefresh(ctx context.Context, advanceClock bool) (ran bool, err error) {
	if !c.bulkMu.TryLock() {
		return false, ErrRefreshInFlight
	}
	defer c.bulkMu.Unlock()

	if due, left := c.RefreshDue(); !due {
		c.log.Infof("bulk refresh skipped: cooldown, %s left", left.Round(time.Minute))
		return false, nil
	}

	start := c.now()
	failed := 0
	for _, p := range c.priority {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		if err := c.UpdateCharacterCache(ctx, p.Region, p.Name, false); err != nil {
			failed++
			c.log.Warnf("bulk refresh %s/%s: %v", p.Region, p.Name, err)
		}
	}
	c.log.Infof("bulk refresh done: %d characters, %d failed, took %s", len(c.priority), failed, c.now().Sub(start).Round(time.Second))

	if advanceClock {
		if err := c.clock.Mark(c.now()); err != nil {
			return true, fmt.Errorf("advance refresh clock: %w", err)
		}
	}
	return true, nil
}

// Sweep drops entries past the hard expiry that no refresh is holding.
func (c *PriorityCache) Sweep() int {
	now := c.now()
	var dropped []cacheKey
	c.mu.Lock()
	for k, ent := range c.entries {
		if ent.Updating || now.Sub(ent.CapturedAt) <= c.hardExpiry {
			continue
		}
		delete(c.entries, k)
		dropped = append(dropped, k)
	}
	c.mu.Unlock()

	if c.store != nil {
		for _, k := range dropped {
			c.store.Delete(k.String())
		}
	}
	return len(dropped)
}

// Lookup returns a copy of the entry for (region, name).
func (c *PriorityCache) Lookup(region, name string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[keyFor(region, name)]
	if !ok {
		return CacheEntry{}, false
	}
	return *ent, true
}

// Len is the number of entries held in memory.
func (c *PriorityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
