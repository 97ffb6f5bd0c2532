package rostercsv

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"rostercsv/internal/browser"
)

// SessionSource hands out the shared browsing session. *browser.Manager
// implements it.
type SessionSource interface {
	Acquire(ctx context.Context) (browser.Session, error)
	Persist(ctx context.Context)
}

// Page is what a fetch yields after the page settled.
type Page struct {
	URL        string
	HTML       string
	Text       string
	Challenged bool
}

var challengeRe = regexp.MustCompile(`(?i)cdn-cgi/challenge-platform|just a moment`)

func isChallenge(html string) bool { return challengeRe.MatchString(html) }

var transientPatterns = []string{
	"connection reset",
	"connection closed",
	"connection refused",
	"empty response",
	"socket hang up",
	"ns_error_net_",
	"ns_error_connection",
	"econnreset",
	"err_connection",
	"err_empty_response",
	"unexpected eof",
	"broken pipe",
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// classifyErr tags engine errors with the sentinel the retry loop keys on.
func classifyErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, browser.ErrNavigationTimeout), errors.Is(err, ErrNetworkTransient):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", browser.ErrNavigationTimeout, err)
	case isNetworkError(err):
		return fmt.Errorf("%w: %v", ErrNetworkTransient, err)
	}
	return err
}

func retryable(err error) bool {
	return errors.Is(err, browser.ErrNavigationTimeout) || errors.Is(err, ErrNetworkTransient)
}

type pageFetcher struct {
	sessions        SessionSource
	navTimeout      time.Duration
	challengeSettle time.Duration
	maxText         int
	log             *log.Logger
	challengeLog    *rateLimitedLogger
}

func newPageFetcher(sessions SessionSource, cfg Config, logger *log.Logger) *pageFetcher {
	return &pageFetcher{
		sessions:        sessions,
		navTimeout:      cfg.Browser.navTimeout,
		challengeSettle: cfg.Browser.challengeSettle,
		maxText:         int(cfg.Scrape.maxText),
		log:             logger,
		challengeLog:    newRateLimitedLogger(logger, time.Minute),
	}
}

// Fetch loads url on a fresh page of the shared session. A challenge
// interstitial gets one reload after the settle delay; whatever loads then is
// returned.
func (f *pageFetcher) Fetch(ctx context.Context, url string, settle time.Duration) (Page, error) {
	sess, err := f.sessions.Acquire(ctx)
	if err != nil {
		return Page{}, err
	}
	p, err := sess.NewPage(ctx)
	if err != nil {
		return Page{}, classifyErr(err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			f.log.Debugf("close page %s: %v", url, err)
		}
	}()

	f.log.Debugf("GET %s", url)
	if err := p.Navigate(ctx, url, f.navTimeout); err != nil {
		return Page{}, classifyErr(err)
	}
	html, err := p.HTML(ctx)
	if err != nil {
		return Page{}, classifyErr(err)
	}

	out := Page{URL: url}
	if isChallenge(html) {
		out.Challenged = true
		f.challengeLog.Warnf("challenge page at %s, reloading in %s", url, f.challengeSettle)
		if err := sleepCtx(ctx, f.challengeSettle); err != nil {
			return Page{}, err
		}
		if err := p.Reload(ctx, f.navTimeout); err != nil {
			return Page{}, classifyErr(err)
		}
		if html, err = p.HTML(ctx); err != nil {
			return Page{}, classifyErr(err)
		}
	}

	if err := sleepCtx(ctx, settle); err != nil {
		return Page{}, err
	}
	text, err := p.Text(ctx)
	if err != nil {
		return Page{}, classifyErr(err)
	}
	out.HTML = html
	out.Text = truncateText(text, f.maxText)
	return out, nil
}

func truncateText(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	s = s[:max]
	// Drop a rune split by the cut.
	for i := 0; i < utf8.UTFMax && len(s) > 0; i++ {
		if r, size := utf8.DecodeLastRuneInString(s); r != utf8.RuneError || size != 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
