package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

type chromedpBackend struct{}

// Chromedp returns a backend driving a local Chrome over the DevTools protocol.
func Chromedp() Backend { return chromedpBackend{} }

func (chromedpBackend) Name() string { return "chromedp" }

func (chromedpBackend) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("headless", opts.Headless),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(opts.Viewport.Width, opts.Viewport.Height))
	}
	if opts.Locale != "" {
		allocOpts = append(allocOpts, chromedp.Flag("lang", opts.Locale))
	}

	// The session outlives the launching request, so it is rooted in Background.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Run with no actions starts the browser; this is where a missing Chrome fails.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	s := &chromedpSession{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		block:         opts.Block,
	}
	if len(opts.State) > 0 {
		// Manager validated the blob already; cookies Chrome rejects are dropped.
		_ = s.restoreCookies(opts.State)
	}
	return s, nil
}

type chromedpSession struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	block         BlockRules
}

func (s *chromedpSession) restoreCookies(blob []byte) error {
	st, err := ParseState(blob)
	if err != nil {
		return err
	}
	params := make([]*network.CookieParam, 0, len(st.Cookies))
	for _, c := range st.Cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &exp
		}
		switch c.SameSite {
		case "Strict":
			p.SameSite = network.CookieSameSiteStrict
		case "Lax":
			p.SameSite = network.CookieSameSiteLax
		case "None":
			p.SameSite = network.CookieSameSiteNone
		}
		params = append(params, p)
	}
	if len(params) == 0 {
		return nil
	}
	return chromedp.Run(s.browserCtx, storage.SetCookies(params))
}

func (s *chromedpSession) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(s.browserCtx)

	block := s.block
	chromedp.ListenTarget(tabCtx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(tabCtx)
			if c == nil || c.Target == nil {
				return
			}
			exec := cdp.WithExecutor(tabCtx, c.Target)
			if block.Blocked(string(paused.ResourceType), paused.Request.URL) {
				_ = fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(exec)
				return
			}
			_ = fetch.ContinueRequest(paused.RequestID).Do(exec)
		}()
	})

	if err := chromedp.Run(tabCtx, network.Enable(), fetch.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &chromedpPage{ctx: tabCtx, cancel: cancel}, nil
}

func (s *chromedpSession) StorageState(ctx context.Context) ([]byte, error) {
	var cookies []*network.Cookie
	err := chromedp.Run(s.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	st := State{Cookies: make([]Cookie, 0, len(cookies)), Origins: []json.RawMessage{}}
	for _, c := range cookies {
		exp := c.Expires
		if c.Session {
			exp = -1
		}
		st.Cookies = append(st.Cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  exp,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		})
	}
	return json.Marshal(st)
}

func (s *chromedpSession) Close() error {
	s.browserCancel()
	s.allocCancel()
	return nil
}

type chromedpPage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// readTimeout bounds DOM reads after a page has loaded.
const readTimeout = 30 * time.Second

// run executes actions on the tab, stopping at timeout or when ctx is done.
func (p *chromedpPage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout") {
		return fmt.Errorf("%w: %v", ErrNavigationTimeout, err)
	}
	return err
}

func (p *chromedpPage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	return p.run(ctx, timeout, chromedp.Navigate(url))
}

func (p *chromedpPage) Reload(ctx context.Context, timeout time.Duration) error {
	return p.run(ctx, timeout, chromedp.Reload())
}

func (p *chromedpPage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, readTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *chromedpPage) Text(ctx context.Context) (string, error) {
	var text string
	err := p.run(ctx, readTimeout, chromedp.Evaluate(`document.body ? (document.body.innerText || "") : ""`, &text))
	return text, err
}

func (p *chromedpPage) Close() error {
	p.cancel()
	return nil
}
