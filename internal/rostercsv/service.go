package rostercsv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"rostercsv/internal/browser"
)

// engine is the browser side the service drives. *browser.Manager
// implements it.
type engine interface {
	SessionSource
	Engine() string
	Shutdown() error
}

// Service wires the browser session, scraper, gate and priority cache behind
// the HTTP routes.
type Service struct {
	cfg Config
	log *log.Logger

	engine  engine
	gate    *Gate
	scraper *Scraper
	cache   *PriorityCache
	store   *entryStore
	stats   *statsCollector

	bgCtx    context.Context
	bgCancel context.CancelFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newBrowserManager(cfg Config, logger *log.Logger) (*browser.Manager, error) {
	backends, err := browser.BackendsByName(cfg.Browser.Engines)
	if err != nil {
		return nil, fmt.Errorf("browser.engines: %w", err)
	}
	var states browser.StateStore
	if cfg.Browser.StatePath != "" {
		states = browser.FileStore{Path: cfg.Browser.StatePath}
	}
	return browser.NewManager(backends, cfg.Browser.LaunchOptions(), states, logger.WithPrefix("browser")), nil
}

// NewService opens the entry store and builds the browser manager. The
// browser itself starts on the first Acquire.
func NewService(cfg Config, logger *log.Logger) (*Service, error) {
	mgr, err := newBrowserManager(cfg, logger)
	if err != nil {
		return nil, err
	}
	var store *entryStore
	if cfg.Cache.Path != "" {
		store, err = openEntryStore(cfg.Cache.Path, cfg.Cache.diskMax)
		if err != nil {
			return nil, fmt.Errorf("open cache store %s: %w", cfg.Cache.Path, err)
		}
	}
	return newService(cfg, logger, mgr, store), nil
}

func newService(cfg Config, logger *log.Logger, eng engine, store *entryStore) *Service {
	s := &Service{
		cfg:    cfg,
		log:    logger,
		engine: eng,
		gate:   NewGate(),
		store:  store,
		stats:  newStatsCollector(),
		stopCh: make(chan struct{}),
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())

	f := newPageFetcher(eng, cfg, logger.WithPrefix("fetch"))
	s.scraper = newScraper(f, eng, cfg, logger.WithPrefix("scrape"))
	s.cache = newPriorityCache(s.gatedScrape, cfg, store, logger.WithPrefix("cache"))
	return s
}

// Start acquires the browser session and launches the background loops.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.engine.Acquire(ctx); err != nil {
		return err
	}
	s.log.Infof("browser engine: %s", s.engine.Engine())

	if every := s.cfg.Cache.sweepEvery; every > 0 {
		s.goLoop(every, func() {
			if n := s.cache.Sweep(); n > 0 {
				s.log.Infof("swept %d expired cache entries", n)
			}
		})
	}
	if every := s.cfg.Logging.logStatsEveryDur; every > 0 {
		s.goLoop(every, s.logStats)
	}
	if s.cfg.Cache.WarmOnStart && len(s.cfg.Cache.priority) > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.cache.BulkRefresh(s.bgCtx, false); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warnf("warm-up refresh: %v", err)
			}
		}()
	}
	return nil
}

func (s *Service) goLoop(every time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				fn()
			}
		}
	}()
}

// Close stops loops and background refreshes, then releases the store and
// the browser.
func (s *Service) Close() {
	close(s.stopCh)
	s.bgCancel()
	s.cache.Close()
	s.wg.Wait()
	if s.store != nil {
		if err := s.store.close(); err != nil {
			s.log.Warnf("close cache store: %v", err)
		}
	}
	if err := s.engine.Shutdown(); err != nil {
		s.log.Warnf("browser shutdown: %v", err)
	}
}

// gatedScrape is the only path into the scraper.
func (s *Service) gatedScrape(ctx context.Context, region, name string) (RosterResult, error) {
	if q := s.gate.Queued(); q > 0 {
		s.log.Debugf("scrape %s/%s queued behind %d", region, name, q)
	}
	return RunGated(s.gate, func() (RosterResult, error) {
		start := time.Now()
		recs, err := s.scraper.ScrapeRoster(ctx, region, name)
		s.stats.ObserveRun(len(recs), time.Since(start), err)
		return recs, err
	})
}

// CSVForRoster returns the serialized roster for (region, name).
func (s *Service) CSVForRoster(ctx context.Context, region, name string) (string, error) {
	csv, _, err := s.csvForRoster(ctx, region, name)
	return csv, err
}

func (s *Service) csvForRoster(ctx context.Context, region, name string) (string, string, error) {
	recs, outcome, err := s.cache.get(ctx, region, name)
	if err != nil {
		return "", outcome, err
	}
	return Serialize(recs), outcome, nil
}

// Cache exposes the priority cache.
func (s *Service) Cache() *PriorityCache { return s.cache }

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "OK")
	})
	mux.HandleFunc("GET /{name}/roster", s.serveRoster(false))
	mux.HandleFunc("GET /{region}/{name}/roster", s.serveRoster(false))
	mux.HandleFunc("GET /{name}/raw", s.serveRoster(true))
	mux.HandleFunc("GET /{region}/{name}/raw", s.serveRoster(true))
	mux.HandleFunc("POST /refresh", s.serveRefresh)
	return mux
}

func (s *Service) serveRoster(raw bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		region := r.PathValue("region")
		if region == "" {
			region = s.cfg.Server.DefaultRegion
		}
		name := r.PathValue("name")

		csv, outcome, err := s.csvForRoster(r.Context(), region, name)
		setRosterHeaders(w.Header(), outcome)
		if err != nil {
			s.log.Errorf("roster %s/%s: %v", region, name, err)
			if errors.Is(err, browser.ErrNoEngineAvailable) {
				http.Error(w, "no browser engine available", http.StatusServiceUnavailable)
				return
			}
			http.Error(w, "could not obtain the roster (timeout or no data)", http.StatusGatewayTimeout)
			return
		}

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		if raw {
			w.Header().Set("Cache-Control", "no-cache")
		} else {
			w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_%s_roster.csv"`, filenameSafe(region), filenameSafe(name)))
		}
		_, _ = io.WriteString(w, csv)
	}
}

func (s *Service) serveRefresh(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.cache.BulkRefreshRunning() {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, "refresh already running\n")
		return
	}
	if due, left := s.cache.RefreshDue(); !due {
		_, _ = fmt.Fprintf(w, "cooldown: %s left\n", left.Round(time.Minute))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ran, err := s.cache.BulkRefresh(s.bgCtx, true)
		switch {
		case err != nil:
			s.log.Warnf("bulk refresh: %v", err)
		case ran:
			s.log.Infof("bulk refresh complete")
		}
	}()
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "refresh started\n")
}

func setRosterHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Rostercsv", outcome)
	}
	ensureExposedHeader(h, "X-Rostercsv")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func filenameSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '"', '\\', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	line := fmt.Sprintf(
		"Cached: Rosters: %d, Disk: %s, Queue: %d, Runs: %d (%d failed), Rows min/avg/max %d/%d/%d, Avg run %s",
		s.cache.Len(),
		formatBytes(uint64(s.diskSize())),
		s.gate.Queued(),
		ss.Runs, ss.Failures,
		ss.MinRows, ss.AvgRows, ss.MaxRows,
		ss.AvgRun.Round(time.Millisecond),
	)
	if rss, ok := processRSSBytes(); ok {
		line += ", RSS: " + formatBytes(rss)
	}
	if vals, ok := processSmapsRollupBytes(); ok {
		line += ", " + formatSmapsRollup(vals)
	}
	s.log.Info(line)
}

func (s *Service) diskSize() int64 {
	if s.store == nil {
		return 0
	}
	return s.store.TotalSize()
}

// ScrapeOnce scrapes one roster with a private browser session and no
// cache, for command-line use.
func ScrapeOnce(ctx context.Context, cfg Config, logger *log.Logger, region, name string) (string, error) {
	mgr, err := newBrowserManager(cfg, logger)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			logger.Warnf("browser shutdown: %v", err)
		}
	}()
	return scrapeOnce(ctx, cfg, logger, mgr, region, name)
}

func scrapeOnce(ctx context.Context, cfg Config, logger *log.Logger, sessions SessionSource, region, name string) (string, error) {
	f := newPageFetcher(sessions, cfg, logger.WithPrefix("fetch"))
	recs, err := newScraper(f, sessions, cfg, logger.WithPrefix("scrape")).ScrapeRoster(ctx, region, name)
	if err != nil {
		return "", err
	}
	return Serialize(recs), nil
}
