package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

type playwrightBackend struct {
	kind string // "firefox" | "chromium"
}

// Playwright returns a backend driving the given Playwright browser type.
func Playwright(kind string) Backend {
	return &playwrightBackend{kind: kind}
}

func (b *playwrightBackend) Name() string { return b.kind }

func (b *playwrightBackend) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	var bt playwright.BrowserType
	launch := playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(opts.Headless)}
	switch b.kind {
	case "firefox":
		bt = pw.Firefox
	default:
		bt = pw.Chromium
		launch.Args = []string{"--disable-dev-shm-usage"}
	}

	br, err := bt.Launch(launch)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch %s: %w", b.kind, err)
	}

	ctxOpts := playwright.BrowserNewContextOptions{
		Locale: playwright.String(opts.Locale),
		Viewport: &playwright.Size{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		},
	}
	if opts.UserAgent != "" {
		ctxOpts.UserAgent = playwright.String(opts.UserAgent)
	}
	if len(opts.State) > 0 {
		var st playwright.OptionalStorageState
		if err := json.Unmarshal(opts.State, &st); err == nil {
			ctxOpts.StorageState = &st
		}
	}

	bctx, err := br.NewContext(ctxOpts)
	if err != nil {
		_ = br.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("new context: %w", err)
	}

	rules := opts.Block
	err = bctx.Route("**/*", func(route playwright.Route) {
		req := route.Request()
		if rules.Blocked(req.ResourceType(), req.URL()) {
			_ = route.Abort()
			return
		}
		_ = route.Continue()
	})
	if err != nil {
		_ = bctx.Close()
		_ = br.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("install request blocking: %w", err)
	}

	return &playwrightSession{pw: pw, browser: br, ctx: bctx}, nil
}

type playwrightSession struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	ctx     playwright.BrowserContext
}

func (s *playwrightSession) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.ctx.NewPage()
	if err != nil {
		return nil, err
	}
	return &playwrightPage{page: p}, nil
}

func (s *playwrightSession) StorageState(ctx context.Context) ([]byte, error) {
	st, err := s.ctx.StorageState()
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

func (s *playwrightSession) Close() error {
	err := errors.Join(s.ctx.Close(), s.browser.Close())
	return errors.Join(err, s.pw.Stop())
}

type playwrightPage struct {
	page playwright.Page
}

func (p *playwrightPage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
	})
	return wrapPlaywrightErr(err)
}

func (p *playwrightPage) Reload(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Reload(playwright.PageReloadOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
	})
	return wrapPlaywrightErr(err)
}

func (p *playwrightPage) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.page.Content()
}

func (p *playwrightPage) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, err := p.page.Evaluate(`() => document.body ? (document.body.innerText || "") : ""`)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

func (p *playwrightPage) Close() error {
	return p.page.Close()
}

func wrapPlaywrightErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrNavigationTimeout, err)
	}
	return err
}
