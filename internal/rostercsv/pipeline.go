package rostercsv

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

type fetcher interface {
	Fetch(ctx context.Context, url string, settle time.Duration) (Page, error)
}

type persister interface {
	Persist(ctx context.Context)
}

// Scraper runs the two-stage roster scrape: enumerate the roster page, then
// read stats from each character's pages.
type Scraper struct {
	fetch   fetcher
	persist persister

	origin      string
	rosterWait  time.Duration
	profileWait time.Duration
	retries     int
	retryDelay  time.Duration
	concurrency int

	log *log.Logger
}

func newScraper(f fetcher, p persister, cfg Config, logger *log.Logger) *Scraper {
	return &Scraper{
		fetch:       f,
		persist:     p,
		origin:      cfg.Server.Origin,
		rosterWait:  cfg.Scrape.rosterWait,
		profileWait: cfg.Scrape.profileWait,
		retries:     cfg.Scrape.NetworkRetries,
		retryDelay:  cfg.Scrape.networkRetryDelay,
		concurrency: cfg.Scrape.Concurrency,
		log:         logger,
	}
}

func (s *Scraper) characterURL(region, name string) string {
	return s.origin + "/character/" + url.PathEscape(region) + "/" + url.PathEscape(name)
}

// ScrapeRoster returns one record per roster member. Failing to read a
// member's stats leaves the record partial; only a roster that yields nobody
// is an error.
func (s *Scraper) ScrapeRoster(ctx context.Context, region, owner string) (RosterResult, error) {
	if s.persist != nil {
		defer s.persist.Persist(context.WithoutCancel(ctx))
	}

	names, err := s.rosterNames(ctx, region, owner)
	if err != nil {
		return nil, fmt.Errorf("roster %s/%s: %w", region, owner, err)
	}
	s.log.Infof("roster %s/%s: %d characters", region, owner, len(names))

	recs := make(RosterResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.concurrency))
	for i, name := range names {
		g.Go(func() error {
			recs[i] = s.characterStats(gctx, region, name)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := recs[:0]
	for _, r := range recs {
		if r.Name != "" {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, ErrEmptyRoster
	}
	SortRecords(out)
	return out, nil
}

func (s *Scraper) rosterNames(ctx context.Context, region, owner string) ([]string, error) {
	page, err := s.fetchRetry(ctx, s.characterURL(region, owner)+"/roster", s.rosterWait)
	if err != nil {
		return nil, err
	}
	return parseRosterNames(page.HTML, s.origin)
}

// parseRosterNames collects character names linked from a roster page, in
// first-seen order.
func parseRosterNames(html, origin string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(origin + "/")
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	var out []string
	doc.Find(`a[href*="/character/"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		name, ok := characterFromHref(base, href)
		if !ok {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	})
	return out, nil
}

func characterFromHref(base *url.URL, href string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	u := base.ResolveReference(ref)

	var segs []string
	for _, seg := range strings.Split(u.EscapedPath(), "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	for i, seg := range segs {
		if seg != "character" || i+2 >= len(segs) {
			continue
		}
		name, err := url.PathUnescape(segs[i+2])
		if err != nil || strings.TrimSpace(name) == "" {
			return "", false
		}
		return name, true
	}
	return "", false
}

// characterStats tries the base, /profile and /overview pages in turn and
// keeps the first one that shows an item level or combat power.
func (s *Scraper) characterStats(ctx context.Context, region, name string) CharacterRecord {
	rec := CharacterRecord{Name: name}
	base := s.characterURL(region, name)
	for _, u := range []string{base, base + "/profile", base + "/overview"} {
		page, err := s.fetchRetry(ctx, u, s.profileWait)
		if err != nil {
			if ctx.Err() != nil {
				return rec
			}
			s.log.Warnf("character page %s: %v", u, err)
			continue
		}
		if rec.Class == "" {
			rec.Class = ExtractClass(page.Text)
		}
		ilvl, cp := ExtractItemLevel(page.Text), ExtractCombatPower(page.Text)
		if ilvl != "" || cp != "" {
			rec.ItemLevel, rec.CombatPower = ilvl, cp
			return rec
		}
	}
	return rec
}

// fetchRetry retries timeouts and transient network errors on the same URL.
func (s *Scraper) fetchRetry(ctx context.Context, u string, settle time.Duration) (Page, error) {
	attempts := max(1, s.retries)
	for attempt := 1; ; attempt++ {
		page, err := s.fetch.Fetch(ctx, u, settle)
		if err == nil {
			return page, nil
		}
		if !retryable(err) || attempt >= attempts || ctx.Err() != nil {
			return Page{}, err
		}
		s.log.Warnf("fetch %s (attempt %d/%d): %v; retrying in %s", u, attempt, attempts, err, s.retryDelay)
		if err := sleepCtx(ctx, s.retryDelay); err != nil {
			return Page{}, err
		}
	}
}
