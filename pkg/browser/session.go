// Package browser drives a live Chrome session over the DevTools
// protocol and provides the default step dispatch table for the
// engine: one handler per step type, wrapped with tracing, bounded
// retries, and artifact capture.
package browser

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"github.com/stepflow/stepflow/pkg/selector"
)

// Options configures the Chrome session.
type Options struct {
	// Headless runs Chrome without a visible window.
	Headless bool

	// NoSandbox disables the Chrome sandbox, needed in most containers.
	NoSandbox bool

	// UserAgent overrides the browser user agent when non-empty.
	UserAgent string

	// UserDataDir points Chrome at a persistent profile directory.
	// Empty uses a throwaway profile.
	UserDataDir string

	// WindowWidth and WindowHeight size the browser window.
	WindowWidth  int
	WindowHeight int

	// DefaultWait bounds element lookups when a step carries no timeout.
	DefaultWait time.Duration

	// StepTimeout bounds a single step execution.
	StepTimeout time.Duration

	// MaxDOMChars truncates DOM snapshots handed to collaborators.
	MaxDOMChars int
}

// DefaultOptions returns the standard session configuration.
func DefaultOptions() Options {
	return Options{
		Headless:     true,
		NoSandbox:    true,
		WindowWidth:  1440,
		WindowHeight: 900,
		DefaultWait:  12 * time.Second,
		StepTimeout:  35 * time.Second,
		MaxDOMChars:  200_000,
	}
}

// tab is one browser target and its cancel.
type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Session owns a running browser: the allocator, the open tabs, the
// active iframe scope, and the selector resolver. It implements
// engine.Page.
type Session struct {
	opts     Options
	resolver *selector.Resolver
	log      zerolog.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabs        []*tab
	active      int
	frame       *cdp.Node
}

// NewSession builds an unstarted session.
func NewSession(opts Options, resolver *selector.Resolver, log zerolog.Logger) *Session {
	if opts.DefaultWait <= 0 {
		opts.DefaultWait = 12 * time.Second
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 35 * time.Second
	}
	if opts.MaxDOMChars <= 0 {
		opts.MaxDOMChars = 200_000
	}
	return &Session{
		opts:     opts,
		resolver: resolver,
		log:      log.With().Str("component", "browser").Logger(),
	}
}

// Start launches Chrome and opens the first tab.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tabs) > 0 {
		return nil
	}

	execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.opts.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.WindowSize(s.opts.WindowWidth, s.opts.WindowHeight),
	)
	if s.opts.NoSandbox {
		execOpts = append(execOpts, chromedp.NoSandbox)
	}
	if s.opts.UserAgent != "" {
		execOpts = append(execOpts, chromedp.UserAgent(s.opts.UserAgent))
	}
	if s.opts.UserDataDir != "" {
		execOpts = append(execOpts, chromedp.UserDataDir(s.opts.UserDataDir))
	}

	s.allocCtx, s.allocCancel = chromedp.NewExecAllocator(ctx, execOpts...)
	tabCtx, tabCancel := chromedp.NewContext(s.allocCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		s.allocCancel()
		s.allocCtx, s.allocCancel = nil, nil
		return fmt.Errorf("failed to start browser: %w", err)
	}

	s.tabs = []*tab{{ctx: tabCtx, cancel: tabCancel}}
	s.active = 0
	s.frame = nil
	s.log.Info().Bool("headless", s.opts.Headless).Msg("browser session started")
	return nil
}

// Close shuts the browser down.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tabs {
		t.cancel()
	}
	s.tabs = nil
	if s.allocCancel != nil {
		s.allocCancel()
	}
	s.allocCtx, s.allocCancel = nil, nil
	s.frame = nil
}

// Context returns the active tab's chromedp context. All protocol
// calls go through it.
func (s *Session) Context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tabs) == 0 {
		return context.Background()
	}
	return s.tabs[s.active].ctx
}

// actionContext derives a bounded context for one protocol operation.
func (s *Session) actionContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = s.opts.StepTimeout
	}
	return context.WithTimeout(s.Context(), timeout)
}

// frameRoot returns the current iframe scope, nil for default content.
func (s *Session) frameRoot() *cdp.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Find resolves the best element for a locator within the current
// frame scope.
func (s *Session) Find(sel string, visible bool, timeout time.Duration) *cdp.Node {
	if timeout <= 0 {
		timeout = s.opts.DefaultWait
	}
	return s.resolver.Find(s.Context(), sel, selector.Options{
		Visible: visible,
		Timeout: timeout,
		Root:    s.frameRoot(),
	})
}

// FindAll resolves every matching element within the current frame
// scope.
func (s *Session) FindAll(sel string, visible bool, timeout time.Duration) []*cdp.Node {
	if timeout <= 0 {
		timeout = s.opts.DefaultWait
	}
	return s.resolver.FindAll(s.Context(), sel, selector.Options{
		Visible: visible,
		Timeout: timeout,
		Root:    s.frameRoot(),
	})
}

// Exists reports whether the selector matches within the timeout.
// Part of engine.Page; the passed ctx bounds the wait alongside the
// tab context.
func (s *Session) Exists(ctx context.Context, sel string, visible bool, timeout time.Duration) bool {
	_ = ctx
	return s.Find(sel, visible, timeout) != nil
}

// Snapshot returns the serialized DOM of the active tab, truncated to
// MaxDOMChars. Part of engine.Page; failures yield an empty string.
func (s *Session) Snapshot(ctx context.Context) string {
	_ = ctx
	opctx, cancel := s.actionContext(10 * time.Second)
	defer cancel()

	var html string
	err := chromedp.Run(opctx, chromedp.ActionFunc(func(cctx context.Context) error {
		root, err := dom.GetDocument().Do(cctx)
		if err != nil {
			return err
		}
		html, err = dom.GetOuterHTML().WithNodeID(root.NodeID).Do(cctx)
		return err
	}))
	if err != nil {
		s.log.Debug().Err(err).Msg("dom snapshot failed")
		return ""
	}
	if len(html) > s.opts.MaxDOMChars {
		html = html[:s.opts.MaxDOMChars]
	}
	return html
}

// CurrentURL returns the active tab's location, empty on failure.
func (s *Session) CurrentURL() string {
	opctx, cancel := s.actionContext(3 * time.Second)
	defer cancel()
	var url string
	if err := chromedp.Run(opctx, chromedp.Location(&url)); err != nil {
		return ""
	}
	return url
}

// Title returns the active tab's title, empty on failure.
func (s *Session) Title() string {
	opctx, cancel := s.actionContext(3 * time.Second)
	defer cancel()
	var title string
	if err := chromedp.Run(opctx, chromedp.Title(&title)); err != nil {
		return ""
	}
	return title
}

// Screenshot captures the viewport as PNG bytes.
func (s *Session) Screenshot() ([]byte, error) {
	opctx, cancel := s.actionContext(10 * time.Second)
	defer cancel()
	var buf []byte
	if err := chromedp.Run(opctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// SwitchFrame scopes subsequent lookups to the iframe matched by the
// selector, or to the frame at the given index when sel is empty.
func (s *Session) SwitchFrame(sel string, index int, timeout time.Duration) bool {
	var node *cdp.Node
	if sel != "" {
		node = s.Find(sel, false, timeout)
	} else {
		frames := s.FindAll("css=iframe", false, timeout)
		if index >= 0 && index < len(frames) {
			node = frames[index]
		}
	}
	if node == nil {
		return false
	}
	s.mu.Lock()
	s.frame = node
	s.mu.Unlock()
	return true
}

// SwitchDefault restores lookups to the top document.
func (s *Session) SwitchDefault() {
	s.mu.Lock()
	s.frame = nil
	s.mu.Unlock()
}

// NewTab opens a new tab on the given URL. With foreground set the new
// tab becomes active.
func (s *Session) NewTab(url string, foreground bool) error {
	s.mu.Lock()
	if len(s.tabs) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("new_tab: session not started")
	}
	parent := s.tabs[s.active].ctx
	s.mu.Unlock()

	if url == "" {
		url = "about:blank"
	}
	tabCtx, tabCancel := chromedp.NewContext(parent)
	opctx, cancel := context.WithTimeout(tabCtx, s.opts.StepTimeout)
	defer cancel()
	if err := chromedp.Run(opctx, chromedp.Navigate(url)); err != nil {
		tabCancel()
		return fmt.Errorf("new_tab: %w", err)
	}

	s.mu.Lock()
	s.tabs = append(s.tabs, &tab{ctx: tabCtx, cancel: tabCancel})
	if foreground {
		s.active = len(s.tabs) - 1
		s.frame = nil
	}
	s.mu.Unlock()
	return nil
}

// SwitchTab activates a tab by index (negative counts from the end),
// url_contains, or title_contains. Returns false when nothing matches;
// the active tab is unchanged in that case.
func (s *Session) SwitchTab(by, value string) bool {
	s.mu.Lock()
	tabs := make([]*tab, len(s.tabs))
	copy(tabs, s.tabs)
	cur := s.active
	s.mu.Unlock()
	if len(tabs) == 0 {
		return false
	}

	match := -1
	switch by {
	case "index", "":
		idx, err := strconv.Atoi(value)
		if err != nil {
			return false
		}
		if idx < 0 {
			idx = len(tabs) + idx
		}
		if idx >= 0 && idx < len(tabs) {
			match = idx
		}
	case "url_contains", "title_contains":
		for i, t := range tabs {
			opctx, cancel := context.WithTimeout(t.ctx, 3*time.Second)
			var probe string
			var err error
			if by == "url_contains" {
				err = chromedp.Run(opctx, chromedp.Location(&probe))
			} else {
				err = chromedp.Run(opctx, chromedp.Title(&probe))
			}
			cancel()
			if err == nil && strings.Contains(probe, value) {
				match = i
				break
			}
		}
	default:
		return false
	}

	if match < 0 {
		return false
	}
	s.mu.Lock()
	if s.active != match {
		s.active = match
		s.frame = nil
	} else {
		s.active = cur
	}
	s.mu.Unlock()
	return true
}

// CloseTab closes the tab at index (negative counts from the end;
// nil closes the active tab) and activates the last remaining tab.
func (s *Session) CloseTab(index *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tabs) == 0 {
		return false
	}

	pos := s.active
	if index != nil {
		pos = *index
		if pos < 0 {
			pos = len(s.tabs) + pos
		}
	}
	if pos < 0 || pos >= len(s.tabs) {
		return false
	}

	s.tabs[pos].cancel()
	s.tabs = append(s.tabs[:pos], s.tabs[pos+1:]...)
	if len(s.tabs) == 0 {
		s.active = 0
		return true
	}
	s.active = len(s.tabs) - 1
	s.frame = nil
	return true
}

// TabCount returns the number of open tabs.
func (s *Session) TabCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tabs)
}
