package browser

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// EnsureReady waits until document.readyState is interactive or
// complete. Never returns an error; a page that stays loading simply
// times out.
func (s *Session) EnsureReady(timeout time.Duration) {
	if timeout <= 0 {
		timeout = s.opts.DefaultWait
	}
	opctx, cancel := s.actionContext(timeout)
	defer cancel()

	deadline := time.Now().Add(timeout)
	for {
		var state string
		err := chromedp.Run(opctx, chromedp.Evaluate(`document.readyState`, &state))
		if err == nil {
			state = strings.ToLower(state)
			if state == "interactive" || state == "complete" {
				return
			}
		}
		if time.Now().After(deadline) {
			return
		}
		select {
		case <-opctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// WaitURL waits until the current URL matches the pattern. With regex
// false the pattern is a substring check, run against both the raw and
// the percent-decoded URL. An invalid regex degrades to substring.
func (s *Session) WaitURL(pattern string, regex bool, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = s.opts.DefaultWait
	}

	var rx *regexp.Regexp
	if regex {
		var err error
		rx, err = regexp.Compile(pattern)
		if err != nil {
			rx = nil
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		cur := s.CurrentURL()
		decoded, err := url.QueryUnescape(cur)
		if err != nil {
			decoded = cur
		}
		if rx != nil {
			if rx.MatchString(cur) || rx.MatchString(decoded) {
				return true
			}
		} else if pattern != "" && (strings.Contains(cur, pattern) || strings.Contains(decoded, pattern)) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(150 * time.Millisecond)
	}
}

// domStableJS resolves true once the document has seen no mutations,
// page events, or resource/element count changes for idleMs, false at
// the overall deadline.
const domStableJS = `new Promise((resolve) => {
	const idleMs = %d, timeoutMs = %d;
	const start = Date.now();
	let last = Date.now();
	const mark = () => { last = Date.now(); };

	let obs = null;
	try {
		obs = new MutationObserver(mark);
		obs.observe(document, {subtree: true, childList: true, attributes: true, characterData: true});
	} catch (e) { obs = null; }

	const targets = [[document, 'readystatechange'], [window, 'load'],
		[window, 'pageshow'], [window, 'hashchange'], [window, 'scroll'], [window, 'resize']];
	for (const [t, evt] of targets) {
		try { t.addEventListener(evt, mark, {passive: true}); } catch (e) {}
	}

	let lastRes = 0, lastDom = 0;
	try { lastRes = performance.getEntriesByType('resource').length; } catch (e) {}
	try { lastDom = document.getElementsByTagName('*').length; } catch (e) {}
	const poll = setInterval(() => {
		try {
			const res = performance.getEntriesByType('resource').length;
			if (res > lastRes) { lastRes = res; mark(); }
		} catch (e) {}
		try {
			const n = document.getElementsByTagName('*').length;
			if (n !== lastDom) { lastDom = n; mark(); }
		} catch (e) {}
	}, 120);

	const done = (ok) => {
		try { if (obs) obs.disconnect(); } catch (e) {}
		for (const [t, evt] of targets) {
			try { t.removeEventListener(evt, mark); } catch (e) {}
		}
		clearInterval(poll);
		resolve(ok);
	};

	(function tick() {
		const t = Date.now();
		if (t - last >= idleMs) return done(true);
		if (t - start >= timeoutMs) return done(false);
		setTimeout(tick, 100);
	})();
})`

// WaitDOMStable waits until the DOM has been quiet for idleMS
// milliseconds, bounded by timeout. Activity means mutations, page
// events, resource loads, or element count changes. Returns false on
// timeout or when the observer cannot run; the failure path sleeps the
// idle window so callers still get a settling pause.
func (s *Session) WaitDOMStable(idleMS int, timeout time.Duration) bool {
	if idleMS < 0 {
		idleMS = 0
	}
	if timeout <= 0 {
		timeout = s.opts.DefaultWait
	}
	timeoutMS := int(timeout / time.Millisecond)
	if timeoutMS < idleMS {
		timeoutMS = idleMS
	}

	opctx, cancel := s.actionContext(timeout + 2*time.Second)
	defer cancel()

	js := fmt.Sprintf(domStableJS, idleMS, timeoutMS)
	var quiet bool
	err := chromedp.Run(opctx, chromedp.Evaluate(js, &quiet,
		func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		s.log.Debug().Err(err).Msg("dom stable observer failed")
		idle := time.Duration(idleMS) * time.Millisecond
		if idle > timeout {
			idle = timeout
		}
		sleepCtx(opctx, idle)
		return false
	}
	return quiet
}

// sleepCtx sleeps unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
