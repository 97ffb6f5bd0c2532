// Package browser owns the single long-lived automation session used to render
// upstream pages. Engines are pluggable backends tried in order at launch.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	// ErrNoEngineAvailable is returned by Acquire when no configured backend could
	// be launched. The process cannot serve requests without a session.
	ErrNoEngineAvailable = errors.New("no browser engine available")

	// ErrNavigationTimeout marks a navigation or reload that hit its deadline.
	ErrNavigationTimeout = errors.New("navigation timeout")
)

// Page is one tab scoped to the shared session.
type Page interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	Reload(ctx context.Context, timeout time.Duration) error
	HTML(ctx context.Context) (string, error)
	// Text returns the rendered plain text of the document body.
	Text(ctx context.Context) (string, error)
	Close() error
}

// Session is a launched engine with one browsing context.
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	// StorageState returns cookies and storage as a JSON document.
	StorageState(ctx context.Context) ([]byte, error)
	Close() error
}

// Backend launches a Session. Launch fails when the engine is not installed.
type Backend interface {
	Name() string
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)
}

type Viewport struct {
	Width  int
	Height int
}

type LaunchOptions struct {
	Headless  bool
	UserAgent string
	Locale    string
	Viewport  Viewport
	Block     BlockRules

	// State is a previously persisted storage-state document, or nil.
	State []byte
}

// Manager hands out the shared session, launching it on first use.
type Manager struct {
	backends []Backend
	opts     LaunchOptions
	store    StateStore
	log      *log.Logger

	mu     sync.Mutex
	sess   Session
	engine string
}

func NewManager(backends []Backend, opts LaunchOptions, store StateStore, logger *log.Logger) *Manager {
	return &Manager{
		backends: backends,
		opts:     opts,
		store:    store,
		log:      logger,
	}
}

// Acquire returns the existing session or launches the first backend that
// starts. Concurrent callers wait for the same launch.
func (m *Manager) Acquire(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		return m.sess, nil
	}

	opts := m.opts
	opts.State = m.loadState()

	var errs []error
	for _, b := range m.backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.log.Infof("launching browser: %s", b.Name())
		sess, err := b.Launch(ctx, opts)
		if err != nil {
			m.log.Warnf("browser %s unavailable: %v", b.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		m.sess = sess
		m.engine = b.Name()
		m.log.Infof("browser ready: %s", b.Name())
		return sess, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no backends configured", ErrNoEngineAvailable)
	}
	return nil, fmt.Errorf("%w: %w", ErrNoEngineAvailable, errors.Join(errs...))
}

func (m *Manager) loadState() []byte {
	if m.store == nil {
		return nil
	}
	b, err := m.store.Load()
	if err != nil {
		m.log.Warnf("storage state: %v", err)
		return nil
	}
	if len(b) == 0 {
		return nil
	}
	if _, err := ParseState(b); err != nil {
		m.log.Warnf("storage state ignored: %v", err)
		return nil
	}
	return b
}

// Engine reports the backend name of the running session, or "".
func (m *Manager) Engine() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine
}

// Persist writes the session state to the store. Failures are logged only; the
// session stays usable in-process.
func (m *Manager) Persist(ctx context.Context) {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil || m.store == nil {
		return
	}
	b, err := sess.StorageState(ctx)
	if err != nil {
		m.log.Warnf("persist storage state: %v", err)
		return
	}
	if err := m.store.Save(b); err != nil {
		m.log.Warnf("persist storage state: %v", err)
	}
}

func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	err := m.sess.Close()
	m.sess = nil
	m.engine = ""
	return err
}

// BackendsByName maps configured engine names to backends, preserving order.
func BackendsByName(names []string) ([]Backend, error) {
	out := make([]Backend, 0, len(names))
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "firefox":
			out = append(out, Playwright("firefox"))
		case "chromium":
			out = append(out, Playwright("chromium"))
		case "chromedp", "chrome":
			out = append(out, Chromedp())
		case "http":
			out = append(out, HTTP())
		default:
			return nil, fmt.Errorf("unknown engine %q", n)
		}
	}
	return out, nil
}
