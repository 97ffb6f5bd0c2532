package rostercsv

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"rostercsv/internal/browser"
)

const testOrigin = "https://site.test"

func quietLogger() *log.Logger { return log.New(io.Discard) }

// testConfig is DefaultConfig with every wait set to zero.
func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Origin = testOrigin
	cfg.Browser.challengeSettle = 0
	cfg.Scrape.rosterWait = 0
	cfg.Scrape.profileWait = 0
	cfg.Scrape.networkRetryDelay = 0
	cfg.Cache.refreshRetryDelay = 0
	cfg.Cache.sweepEvery = 0
	cfg.Cache.Path = ""
	cfg.Cache.ClockPath = filepath.Join(t.TempDir(), "last_refresh.txt")
	cfg.Logging.logStatsEveryDur = 0
	return cfg
}

func withPriority(cfg Config, names ...string) Config {
	cfg.Cache.Priority = names
	cfg.Cache.priority = nil
	for _, n := range names {
		p, err := parsePriority(n, cfg.Server.DefaultRegion)
		if err != nil {
			panic(err)
		}
		cfg.Cache.priority = append(cfg.Cache.priority, p)
	}
	return cfg
}

func charURL(region, name, suffix string) string {
	return testOrigin + "/character/" + region + "/" + name + suffix
}

func rosterHTML(hrefs ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><nav><a href=\"/\">home</a></nav><ul>")
	for _, h := range hrefs {
		fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`, h, h)
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}

type fakeDoc struct {
	html string
	text string
	// errs are returned by successive navigations before the page loads.
	errs []error
	// challenge makes the first load serve an interstitial.
	challenge bool
}

// fakeSite is a browser session serving canned documents by URL.
type fakeSite struct {
	mu         sync.Mutex
	docs       map[string]*fakeDoc
	visits     map[string]int
	reloads    int
	opened     int
	closed     int
	persists   int
	acquireErr error
	shutdowns  int
}

func newFakeSite() *fakeSite {
	return &fakeSite{docs: map[string]*fakeDoc{}, visits: map[string]int{}}
}

func (s *fakeSite) add(url string, d *fakeDoc) *fakeSite {
	s.mu.Lock()
	s.docs[url] = d
	s.mu.Unlock()
	return s
}

func (s *fakeSite) visitCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visits[url]
}

func (s *fakeSite) Acquire(ctx context.Context) (browser.Session, error) {
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	return s, nil
}

func (s *fakeSite) Persist(ctx context.Context) {
	s.mu.Lock()
	s.persists++
	s.mu.Unlock()
}

func (s *fakeSite) Engine() string { return "fake" }

func (s *fakeSite) Shutdown() error {
	s.mu.Lock()
	s.shutdowns++
	s.mu.Unlock()
	return nil
}

func (s *fakeSite) NewPage(ctx context.Context) (browser.Page, error) {
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()
	return &fakePage{site: s}, nil
}

func (s *fakeSite) StorageState(ctx context.Context) ([]byte, error) {
	return []byte(`{"cookies":[],"origins":[]}`), nil
}

func (s *fakeSite) Close() error { return nil }

type fakePage struct {
	site       *fakeSite
	doc        *fakeDoc
	challenged bool
}

const challengeHTML = `<html><head><title>Just a moment...</title><script src="/cdn-cgi/challenge-platform/h/b/orchestrate"></script></head><body></body></html>`

func (p *fakePage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	s := p.site
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits[url]++
	doc, ok := s.docs[url]
	if !ok {
		p.doc = &fakeDoc{html: "<html><body>Not found</body></html>", text: "Not found"}
		return nil
	}
	if len(doc.errs) > 0 {
		err := doc.errs[0]
		doc.errs = doc.errs[1:]
		return err
	}
	p.doc = doc
	if doc.challenge {
		p.challenged = true
		doc.challenge = false
	}
	return nil
}

func (p *fakePage) Reload(ctx context.Context, timeout time.Duration) error {
	p.site.mu.Lock()
	p.site.reloads++
	p.site.mu.Unlock()
	p.challenged = false
	return nil
}

func (p *fakePage) HTML(ctx context.Context) (string, error) {
	if p.challenged {
		return challengeHTML, nil
	}
	return p.doc.html, nil
}

func (p *fakePage) Text(ctx context.Context) (string, error) {
	if p.challenged {
		return "Just a moment...", nil
	}
	if p.doc.text != "" || p.doc.html == "" {
		return p.doc.text, nil
	}
	return browser.HTMLText(p.doc.html)
}

func (p *fakePage) Close() error {
	p.site.mu.Lock()
	p.site.closed++
	p.site.mu.Unlock()
	return nil
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
