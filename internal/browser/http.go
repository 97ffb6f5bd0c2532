package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

type httpBackend struct{}

// HTTP returns a backend that fetches pages without rendering them. It never
// fails to launch, so it belongs at the end of the engine list.
func HTTP() Backend { return httpBackend{} }

func (httpBackend) Name() string { return "http" }

func (httpBackend) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := resty.New()
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	if opts.Locale != "" {
		client.SetHeader("Accept-Language", opts.Locale)
	}

	s := &httpSession{client: client, jar: jar, hosts: map[string]struct{}{}}
	if len(opts.State) > 0 {
		if st, err := ParseState(opts.State); err == nil {
			s.restore(st)
		}
	}
	return s, nil
}

type httpSession struct {
	client *resty.Client
	jar    *cookiejar.Jar

	mu    sync.Mutex
	hosts map[string]struct{}
}

func (s *httpSession) restore(st State) {
	for _, c := range st.Cookies {
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" {
			continue
		}
		u := &url.URL{Scheme: "https", Host: host, Path: "/"}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		s.jar.SetCookies(u, []*http.Cookie{hc})
		s.remember(host)
	}
}

func (s *httpSession) remember(host string) {
	s.mu.Lock()
	s.hosts[host] = struct{}{}
	s.mu.Unlock()
}

func (s *httpSession) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &httpPage{sess: s}, nil
}

// StorageState reports name/value pairs only; a cookie jar does not expose the
// remaining attributes.
func (s *httpSession) StorageState(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	hosts := make([]string, 0, len(s.hosts))
	for h := range s.hosts {
		hosts = append(hosts, h)
	}
	s.mu.Unlock()

	st := State{Cookies: []Cookie{}, Origins: []json.RawMessage{}}
	for _, h := range hosts {
		for _, c := range s.jar.Cookies(&url.URL{Scheme: "https", Host: h, Path: "/"}) {
			st.Cookies = append(st.Cookies, Cookie{
				Name:    c.Name,
				Value:   c.Value,
				Domain:  h,
				Path:    "/",
				Expires: -1,
			})
		}
	}
	return json.Marshal(st)
}

func (s *httpSession) Close() error { return nil }

type httpPage struct {
	sess *httpSession
	url  string
	body string
}

func (p *httpPage) get(ctx context.Context, target string, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := p.sess.client.R().SetContext(reqCtx).Get(target)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrNavigationTimeout, err)
		}
		return err
	}
	if u, err := url.Parse(target); err == nil {
		p.sess.remember(u.Hostname())
	}
	p.url = target
	// Challenge pages come back as 403/503 with a body worth inspecting.
	p.body = resp.String()
	if resp.StatusCode() >= 500 && len(p.body) == 0 {
		return fmt.Errorf("empty response: status %d", resp.StatusCode())
	}
	return nil
}

func (p *httpPage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	return p.get(ctx, url, timeout)
}

func (p *httpPage) Reload(ctx context.Context, timeout time.Duration) error {
	if p.url == "" {
		return errors.New("reload before navigate")
	}
	return p.get(ctx, p.url, timeout)
}

func (p *httpPage) HTML(ctx context.Context) (string, error) {
	return p.body, nil
}

func (p *httpPage) Text(ctx context.Context) (string, error) {
	return HTMLText(p.body)
}

func (p *httpPage) Close() error { return nil }

// HTMLText approximates innerText: scripts and styles are dropped and block
// elements end a line.
func HTMLText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, template").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, h1, h2, h3, h4, h5, h6, tr, section, article, header, footer").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	body := doc.Find("body")
	if body.Length() == 0 {
		return strings.TrimSpace(doc.Text()), nil
	}
	return strings.TrimSpace(body.Text()), nil
}
