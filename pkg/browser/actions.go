package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/plan"
)

// TableOptions configures the middleware wrapped around every handler.
type TableOptions struct {
	// Retries re-runs a failed handler this many extra times. Assertion
	// failures are never retried.
	Retries int

	// RetryPause is the delay between retry attempts.
	RetryPause time.Duration

	// PostActionIdleMS is the DOM settle window after mutating actions.
	PostActionIdleMS int

	// Trace receives action_start / action_end / action_error events.
	Trace engine.TraceSink

	// Artifacts captures forensics when a handler exhausts its retries.
	Artifacts engine.ArtifactSink
}

// DefaultTableOptions returns the standard middleware configuration.
func DefaultTableOptions() TableOptions {
	return TableOptions{
		Retries:          0,
		RetryPause:       250 * time.Millisecond,
		PostActionIdleMS: 200,
	}
}

// actions carries the shared state every handler closes over.
type actions struct {
	s    *Session
	vars engine.VarStore
	opts TableOptions
}

// NewDispatchTable builds the full step dispatch table for a session.
// Every handler is wrapped with tracing, bounded retries, and artifact
// capture on final failure.
func NewDispatchTable(s *Session, vars engine.VarStore, opts TableOptions) engine.DispatchTable {
	if opts.RetryPause <= 0 {
		opts.RetryPause = 250 * time.Millisecond
	}
	a := &actions{s: s, vars: vars, opts: opts}

	table := engine.DispatchTable{}
	register := func(t plan.StepType, h engine.Handler) {
		table[t] = a.wrap(string(t), h)
	}

	register(plan.StepWait, a.doWait)
	register(plan.StepWaitVisible, a.doWaitVisible)
	register(plan.StepWaitURL, a.doWaitURL)
	register(plan.StepWaitDOMStable, a.doWaitDOMStable)

	register(plan.StepGoto, a.doGoto)
	register(plan.StepGoBack, a.doGoBack)
	register(plan.StepGoForward, a.doGoForward)
	register(plan.StepRefresh, a.doRefresh)

	register(plan.StepCheck, a.doCheck)

	register(plan.StepScroll, a.doScroll)
	register(plan.StepScrollTo, a.doScrollTo)
	register(plan.StepScrollToElement, a.doScrollToElement)

	register(plan.StepClick, a.doClick)
	register(plan.StepDoubleClick, a.doDoubleClick)
	register(plan.StepContextClick, a.doContextClick)

	register(plan.StepInput, a.doInput)
	register(plan.StepPressKey, a.doPressKey)
	register(plan.StepHotkey, a.doHotkey)

	register(plan.StepHover, a.doHover)
	register(plan.StepSelect, a.doSelect)
	register(plan.StepFileUpload, a.doFileUpload)
	register(plan.StepDragAndDrop, a.doDragAndDrop)

	register(plan.StepSwitchToFrame, a.doSwitchToFrame)
	register(plan.StepSwitchToDefault, a.doSwitchToDefault)

	register(plan.StepNewTab, a.doNewTab)
	register(plan.StepSwitchToTab, a.doSwitchToTab)
	register(plan.StepCloseTab, a.doCloseTab)

	register(plan.StepExtract, a.doExtract)
	register(plan.StepAssertText, a.doAssertText)
	register(plan.StepEvaluate, a.doEvaluate)

	register(plan.StepPauseForHuman, a.doPauseForHuman)

	// loop_until re-enters the table for its tick step, so it is
	// registered after everything else and closes over the table.
	register(plan.StepLoopUntil, a.loopUntil(table))

	return table
}

// wrap is the handler middleware: trace start/end, bounded retries,
// artifacts on final failure.
func (a *actions) wrap(name string, fn engine.Handler) engine.Handler {
	return func(ctx context.Context, step plan.Step) error {
		started := time.Now()
		a.trace(map[string]any{
			"event":  "action_start",
			"action": name,
			"step":   redactFields(step),
		})

		var err error
		for attempt := 0; ; attempt++ {
			err = fn(ctx, step)
			if err == nil {
				a.trace(map[string]any{
					"event":      "action_end",
					"action":     name,
					"ok":         true,
					"attempt":    attempt,
					"elapsed_ms": time.Since(started).Milliseconds(),
				})
				return nil
			}
			a.trace(map[string]any{
				"event":   "action_error",
				"action":  name,
				"attempt": attempt,
				"error":   err.Error(),
			})
			var aerr *engine.AssertionError
			if errors.As(err, &aerr) || attempt >= a.opts.Retries {
				break
			}
			sleepCtx(ctx, a.opts.RetryPause)
		}

		if a.opts.Artifacts != nil {
			a.opts.Artifacts.Capture(ctx, "error_"+name)
		}
		a.trace(map[string]any{
			"event":      "action_end",
			"action":     name,
			"ok":         false,
			"attempt":    a.opts.Retries,
			"elapsed_ms": time.Since(started).Milliseconds(),
		})
		return err
	}
}

func (a *actions) trace(rec map[string]any) {
	if a.opts.Trace != nil {
		a.opts.Trace.Write(rec)
	}
}

// redactFields masks step fields that commonly carry secrets.
func redactFields(step plan.Step) map[string]any {
	fields := step.Fields()
	for _, k := range []string{"text", "value"} {
		if v, ok := fields[k].(string); ok && v != "" {
			fields[k] = "***"
		}
	}
	return fields
}

// postActionWait lets the page settle after a mutating action.
func (a *actions) postActionWait() {
	idle := a.opts.PostActionIdleMS
	if idle <= 0 {
		return
	}
	settle := time.Duration(idle/100+1) * time.Second
	if settle < time.Second {
		settle = time.Second
	}
	a.s.WaitDOMStable(idle, settle)
}

// Waits

func (a *actions) doWait(ctx context.Context, step plan.Step) error {
	sleepCtx(ctx, time.Duration(step.Float("seconds", 0.5)*float64(time.Second)))
	return nil
}

func (a *actions) doWaitVisible(ctx context.Context, step plan.Step) error {
	sel := step.Selector()
	if !a.s.Exists(ctx, sel, true, step.Timeout(a.s.opts.DefaultWait)) {
		return fmt.Errorf("wait_visible: %q not visible in time", sel)
	}
	return nil
}

func (a *actions) doWaitURL(ctx context.Context, step plan.Step) error {
	pattern := step.Str("pattern")
	if !a.s.WaitURL(pattern, step.Bool("regex", false), step.Timeout(a.s.opts.DefaultWait)) {
		return fmt.Errorf("wait_url: %q did not match in time", pattern)
	}
	return nil
}

func (a *actions) doWaitDOMStable(ctx context.Context, step plan.Step) error {
	if !a.s.WaitDOMStable(step.Int("ms", 1000), step.Timeout(a.s.opts.DefaultWait)) {
		return fmt.Errorf("wait_dom_stable: dom still active")
	}
	return nil
}

// Navigation

func (a *actions) doGoto(ctx context.Context, step plan.Step) error {
	url := step.Str("url")
	if url == "" {
		return fmt.Errorf("goto: url is empty")
	}
	opctx, cancel := a.s.actionContext(a.s.opts.StepTimeout)
	defer cancel()
	if err := chromedp.Run(opctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("goto: %w", err)
	}
	a.s.EnsureReady(minDuration(15*time.Second, a.s.opts.DefaultWait))
	a.postActionWait()
	return nil
}

func (a *actions) doGoBack(ctx context.Context, step plan.Step) error {
	opctx, cancel := a.s.actionContext(a.s.opts.StepTimeout)
	defer cancel()
	if err := chromedp.Run(opctx, chromedp.NavigateBack()); err != nil {
		return fmt.Errorf("go_back: %w", err)
	}
	a.postActionWait()
	return nil
}

func (a *actions) doGoForward(ctx context.Context, step plan.Step) error {
	opctx, cancel := a.s.actionContext(a.s.opts.StepTimeout)
	defer cancel()
	if err := chromedp.Run(opctx, chromedp.NavigateForward()); err != nil {
		return fmt.Errorf("go_forward: %w", err)
	}
	a.postActionWait()
	return nil
}

func (a *actions) doRefresh(ctx context.Context, step plan.Step) error {
	opctx, cancel := a.s.actionContext(a.s.opts.StepTimeout)
	defer cancel()
	if err := chromedp.Run(opctx, chromedp.Reload()); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	a.s.EnsureReady(minDuration(15*time.Second, a.s.opts.DefaultWait))
	a.postActionWait()
	return nil
}

// Presence

func (a *actions) doCheck(ctx context.Context, step plan.Step) error {
	sel := step.Selector()
	present := step.Bool("present", true)
	actual := a.s.Exists(ctx, sel, false, step.Timeout(a.s.opts.DefaultWait))
	if actual != present {
		return fmt.Errorf("check: present=%v actual=%v selector=%q", present, actual, sel)
	}
	return nil
}

// loopUntil polls the condition, running the tick step between polls,
// until the condition holds or the timeout elapses.
func (a *actions) loopUntil(table engine.DispatchTable) engine.Handler {
	return func(ctx context.Context, step plan.Step) error {
		sel := step.Selector()
		present := step.Bool("present", true)
		deadline := time.Now().Add(step.Timeout(time.Duration(plan.StepTimeoutSec) * time.Second))

		for {
			if a.s.Exists(ctx, sel, false, time.Second) == present {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("loop_until: condition not reached: present=%v selector=%q", present, sel)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			tick, ok := step.Tick()
			if !ok {
				sleepCtx(ctx, time.Second)
				continue
			}
			handler := table[tick.Type]
			if handler == nil {
				sleepCtx(ctx, time.Second)
				continue
			}
			// Tick failures are part of the polling rhythm, not fatal.
			_ = handler(ctx, tick)
		}
	}
}

// Scrolling

func (a *actions) doScroll(ctx context.Context, step plan.Step) error {
	amount := step.Int("amount", 600)
	if strings.ToLower(step.Str("direction")) == "up" {
		amount = -amount
	}
	opctx, cancel := a.s.actionContext(5 * time.Second)
	defer cancel()
	if err := chromedp.Run(opctx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", amount), nil)); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	sleepCtx(ctx, 150*time.Millisecond)
	return nil
}

func (a *actions) doScrollTo(ctx context.Context, step plan.Step) error {
	var js string
	switch strings.ToLower(step.Str("to")) {
	case "bottom":
		js = "window.scrollTo(0, document.body.scrollHeight)"
	case "top":
		js = "window.scrollTo(0, 0)"
	default:
		return fmt.Errorf("scroll_to: unknown target %q", step.Str("to"))
	}
	opctx, cancel := a.s.actionContext(5 * time.Second)
	defer cancel()
	if err := chromedp.Run(opctx, chromedp.Evaluate(js, nil)); err != nil {
		return fmt.Errorf("scroll_to: %w", err)
	}
	sleepCtx(ctx, 150*time.Millisecond)
	return nil
}

func (a *actions) doScrollToElement(ctx context.Context, step plan.Step) error {
	node := a.s.Find(step.Selector(), false, step.Timeout(a.s.opts.DefaultWait))
	if node == nil {
		return fmt.Errorf("scroll_to_element: %q not found", step.Selector())
	}
	if err := a.scrollIntoView(node); err != nil {
		return fmt.Errorf("scroll_to_element: %w", err)
	}
	sleepCtx(ctx, 150*time.Millisecond)
	return nil
}

// Pointer actions

func (a *actions) doClick(ctx context.Context, step plan.Step) error {
	sel := step.Selector()
	node := a.s.Find(sel, true, step.Timeout(a.s.opts.DefaultWait))
	if node == nil {
		return fmt.Errorf("click: %q not found", sel)
	}
	if err := a.clickNode(node); err != nil {
		// The node may have gone stale between resolution and click.
		node = a.s.Find(sel, true, 2*time.Second)
		if node == nil {
			return fmt.Errorf("click: %q went stale", sel)
		}
		if err := a.clickNode(node); err != nil {
			return fmt.Errorf("click: %w", err)
		}
	}
	a.postActionWait()
	return nil
}

func (a *actions) doDoubleClick(ctx context.Context, step plan.Step) error {
	node := a.s.Find(step.Selector(), true, step.Timeout(a.s.opts.DefaultWait))
	if node == nil {
		return fmt.Errorf("double_click: %q not found", step.Selector())
	}
	_ = a.scrollIntoView(node)
	opctx, cancel := a.s.actionContext(a.s.opts.StepTimeout)
	defer cancel()
	if err := chromedp.Run(opctx, chromedp.MouseClickNode(node, chromedp.ClickCount(2))); err != nil {
		return fmt.Errorf("double_click: %w", err)
	}
	a.postActionWait()
	return nil
}

func (a *actions) doContextClick(ctx context.Context, step plan.Step) error {
	node := a.s.Find(step.Selector(), true, step.Timeout(a.s.opts.DefaultWait))
	if node == nil {
		return fmt.Errorf("context_click: %q not found", step.Selector())
	}
	_ = a.scrollIntoView(node)
	opctx, cancel := a.s.actionContext(a.s.opts.StepTimeout)
	defer cancel()
	if err := chromedp.Run(opctx, chromedp.MouseClickNode(node, chromedp.Button("right"))); err != nil {
		return fmt.Errorf("context_click: %w", err)
	}
	a.postActionWait()
	return nil
}

func (a *actions) doHover(ctx context.Context, step plan.Step) error {
	node := a.s.Find(step.Selector(), true, step.Timeout(a.s.opts.DefaultWait))
	if node == nil {
		return fmt.Errorf("hover: %q not found", step.Selector())
	}
	if err := a.hoverNode(node); err != nil {
		return fmt.Errorf("hover: %w", err)
	}
	return nil
}

// Keyboard actions

func (a *actions) doInput(ctx context.Context, step plan.Step) error {
	sel := step.Selector()
	node := a.s.Find(sel, false, step.Timeout(a.s.opts.DefaultWait))
	if node == nil {
		return fmt.Errorf("input: %q not found", sel)
	}
	text := step.Str("text")

	opctx, cancel := a.s.actionContext(a.s.opts.StepTimeout)
	defer cancel()
	err := chromedp.Run(opctx,
		chromedp.ActionFunc(func(cctx context.Context) error {
			// Clear existing content; some widgets have no value setter,
			// so failures fall through to typing over the selection.
			_, clearErr := a.callOnNode(cctx, node,
				`function() {
					this.focus();
					if ('value' in this) {
						this.value = '';
						this.dispatchEvent(new Event('input', {bubbles: true}));
						this.dispatchEvent(new Event('change', {bubbles: true}));
					}
					return true;
				}`)
			return clearErr
		}),
		chromedp.KeyEventNode(node, text),
	)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}
	a.postActionWait()
	return nil
}

func (a *actions) doPressKey(ctx context.Context, step plan.Step) error {
	name := step.Str("key")
	key, err := lookupKey(name)
	if err != nil {
		return fmt.Errorf("press_key: %w", err)
	}
	opctx, cancel := a.s.actionContext(5 * time.Second)
	defer cancel()
	if err := chromedp.Run(opctx, chromedp.KeyEvent(key)); err != nil {
		return fmt.Errorf("press_key: %w", err)
	}
	a.postActionWait()
	return nil
}

func (a *actions) doHotkey(ctx context.Context, step plan.Step) error {
	keys := step.Strings("keys")
	if len(keys) == 0 {
		return fmt.Errorf("hotkey: keys empty")
	}

	var mods input.Modifier
	for _, k := range keys[:len(keys)-1] {
		m, ok := lookupModifier(k)
		if !ok {
			return fmt.Errorf("hotkey: unknown modifier %q", k)
		}
		mods |= m
	}
	last, err := lookupKey(keys[len(keys)-1])
	if err != nil {
		return fmt.Errorf("hotkey: %w", err)
	}

	opctx, cancel := a.s.actionContext(5 * time.Second)
	defer cancel()
	if err := chromedp.Run(opctx, chromedp.KeyEvent(last, chromedp.KeyModifiers(mods))); err != nil {
		return fmt.Errorf("hotkey: %w", err)
	}
	a.postActionWait()
	return nil
}

// Forms

func (a *actions) doSelect(ctx context.Context, step plan.Step) error {
	sel := step.Selector()
	node := a.s.Find(sel, false, step.Timeout(a.s.opts.DefaultWait))
	if node == nil {
		return fmt.Errorf("select: %q not found", sel)
	}
	by := strings.ToLower(step.Str("by"))
	if by == "" {
		by = "text"
	}
	value := step.Str("value")

	if strings.EqualFold(node.NodeName, "select") {
		return a.selectNative(node, by, value, step)
	}

	// Custom dropdown: open it and click the matching option.
	if err := a.clickNode(node); err != nil {
		return fmt.Errorf("select: open dropdown: %w", err)
	}
	sleepCtx(ctx, 100*time.Millisecond)
	opt := a.s.Find(fmt.Sprintf("role=option[%q]", value), true, 2*time.Second)
	if opt == nil {
		opt = a.s.Find("text="+value, true, 2*time.Second)
	}
	if opt == nil {
		return fmt.Errorf("select: option %q not found", value)
	}
	if err := a.clickNode(opt); err != nil {
		return fmt.Errorf("select: %w", err)
	}
	a.postActionWait()
	return nil
}

// selectNative drives a real <select> element by value, visible text,
// or index and fires the change event.
func (a *actions) selectNative(node *cdp.Node, by, value string, step plan.Step) error {
	var js string
	switch by {
	case "value":
		js = fmt.Sprintf(`function() {
			this.value = %s;
			this.dispatchEvent(new Event('change', {bubbles: true}));
			return this.value === %s;
		}`, jsString(value), jsString(value))
	case "text":
		js = fmt.Sprintf(`function() {
			const want = %s.trim();
			for (const o of this.options) {
				if (o.text.trim() === want) {
					this.value = o.value;
					this.dispatchEvent(new Event('change', {bubbles: true}));
					return true;
				}
			}
			return false;
		}`, jsString(value))
	case "index":
		idx, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("select: bad index %q", value)
		}
		js = fmt.Sprintf(`function() {
			const i = %d;
			if (i < 0 || i >= this.options.length) return false;
			this.selectedIndex = i;
			this.dispatchEvent(new Event('change', {bubbles: true}));
			return true;
		}`, idx)
	default:
		return fmt.Errorf("select: bad 'by' %q", by)
	}

	opctx, cancel := a.s.actionContext(5 * time.Second)
	defer cancel()
	var picked bool
	err := chromedp.Run(opctx, chromedp.ActionFunc(func(cctx context.Context) error {
		raw, err := a.callOnNode(cctx, node, js)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &picked)
	}))
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}
	if !picked {
		return fmt.Errorf("select: no option matched by=%s value=%q", by, value)
	}
	a.postActionWait()
	return nil
}

func (a *actions) doFileUpload(ctx context.Context, step plan.Step) error {
	sel := step.Selector()
	node := a.s.Find(sel, false, step.Timeout(a.s.opts.DefaultWait))
	if node == nil {
		return fmt.Errorf("file_upload: %q not found", sel)
	}

	path := step.Str("path")
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("file_upload: %w", err)
		}
		path = abs
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("file_upload: path not found: %s", path)
	}

	// A wrapper selector needs the real input underneath.
	if !strings.EqualFold(node.NodeName, "input") {
		if inner := a.s.Find("css=input[type='file']", false, 2*time.Second); inner != nil {
			node = inner
		}
	}

	opctx, cancel := a.s.actionContext(a.s.opts.StepTimeout)
	defer cancel()
	err := chromedp.Run(opctx, chromedp.ActionFunc(func(cctx context.Context) error {
		return dom.SetFileInputFiles([]string{path}).WithNodeID(node.NodeID).Do(cctx)
	}))
	if err != nil {
		return fmt.Errorf("file_upload: %w", err)
	}
	a.postActionWait()
	return nil
}

func (a *actions) doDragAndDrop(ctx context.Context, step plan.Step) error {
	src := a.s.Find(step.Str("source"), true, step.Timeout(a.s.opts.DefaultWait))
	if src == nil {
		return fmt.Errorf("drag_and_drop: source %q not found", step.Str("source"))
	}
	_ = a.scrollIntoView(src)
	sx, sy, err := a.nodeCenter(src)
	if err != nil {
		return fmt.Errorf("drag_and_drop: %w", err)
	}

	var tx, ty float64
	if target := step.Str("target"); target != "" {
		dst := a.s.Find(target, true, step.Timeout(a.s.opts.DefaultWait))
		if dst == nil {
			return fmt.Errorf("drag_and_drop: target %q not found", target)
		}
		_ = a.scrollIntoView(dst)
		tx, ty, err = a.nodeCenter(dst)
		if err != nil {
			return fmt.Errorf("drag_and_drop: %w", err)
		}
	} else {
		tx = sx + float64(step.Int("to_offset_x", 0))
		ty = sy + float64(step.Int("to_offset_y", 0))
	}

	opctx, cancel := a.s.actionContext(a.s.opts.StepTimeout)
	defer cancel()
	err = chromedp.Run(opctx, chromedp.ActionFunc(func(cctx context.Context) error {
		press := input.DispatchMouseEvent(input.MousePressed, sx, sy).
			WithButton(input.Left).WithClickCount(1)
		if err := press.Do(cctx); err != nil {
			return err
		}
		// Intermediate move so drag listeners see motion.
		mid := input.DispatchMouseEvent(input.MouseMoved, (sx+tx)/2, (sy+ty)/2).WithButton(input.Left)
		if err := mid.Do(cctx); err != nil {
			return err
		}
		move := input.DispatchMouseEvent(input.MouseMoved, tx, ty).WithButton(input.Left)
		if err := move.Do(cctx); err != nil {
			return err
		}
		release := input.DispatchMouseEvent(input.MouseReleased, tx, ty).
			WithButton(input.Left).WithClickCount(1)
		return release.Do(cctx)
	}))
	if err != nil {
		return fmt.Errorf("drag_and_drop: %w", err)
	}
	a.postActionWait()
	return nil
}

// Frames and tabs

func (a *actions) doSwitchToFrame(ctx context.Context, step plan.Step) error {
	sel := step.Selector()
	index := step.Int("index", -1)
	if sel == "" && index < 0 {
		return fmt.Errorf("switch_to_frame: selector or index required")
	}
	if !a.s.SwitchFrame(sel, index, step.Timeout(a.s.opts.DefaultWait)) {
		return fmt.Errorf("switch_to_frame: frame not found")
	}
	return nil
}

func (a *actions) doSwitchToDefault(ctx context.Context, step plan.Step) error {
	a.s.SwitchDefault()
	return nil
}

func (a *actions) doNewTab(ctx context.Context, step plan.Step) error {
	if err := a.s.NewTab("about:blank", true); err != nil {
		return err
	}
	a.postActionWait()
	return nil
}

func (a *actions) doSwitchToTab(ctx context.Context, step plan.Step) error {
	by := strings.ToLower(step.Str("by"))
	value := step.Str("value")
	if !a.s.SwitchTab(by, value) {
		return fmt.Errorf("switch_to_tab: no tab matched by=%s value=%q", by, value)
	}
	return nil
}

func (a *actions) doCloseTab(ctx context.Context, step plan.Step) error {
	var index *int
	if step.Has("index") {
		i := step.Int("index", 0)
		index = &i
	}
	if !a.s.CloseTab(index) {
		return fmt.Errorf("close_tab: no such tab")
	}
	return nil
}

// Data extraction and assertions

func (a *actions) doExtract(ctx context.Context, step plan.Step) error {
	sel := step.Selector()
	node := a.s.Find(sel, false, step.Timeout(a.s.opts.DefaultWait))
	if node == nil {
		return fmt.Errorf("extract: %q not found", sel)
	}

	value, err := a.nodeValue(node, strings.ToLower(step.Str("attr")))
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if name := step.Str("var"); name != "" && a.vars != nil {
		a.vars.Set(name, value)
	}
	return nil
}

func (a *actions) doAssertText(ctx context.Context, step plan.Step) error {
	sel := step.Selector()
	node := a.s.Find(sel, false, step.Timeout(a.s.opts.DefaultWait))
	if node == nil {
		return fmt.Errorf("assert_text: %q not found", sel)
	}

	got, err := a.nodeValue(node, strings.ToLower(step.Str("attr")))
	if err != nil {
		return fmt.Errorf("assert_text: %w", err)
	}
	want := step.Str("value")
	how := strings.ToLower(step.Str("match"))
	if how == "" {
		how = "contains"
	}

	ok, err := matchText(how, want, got)
	if err != nil {
		return err
	}
	if !ok {
		snippet := got
		if len(snippet) > 300 {
			snippet = snippet[:300]
		}
		return &engine.AssertionError{
			Message: fmt.Sprintf("assert_text failed: want(%s)=%q, got=%q", how, want, snippet),
		}
	}
	return nil
}

func (a *actions) doEvaluate(ctx context.Context, step plan.Step) error {
	script := step.Str("script")
	if script == "" {
		script = "null"
	}

	opctx, cancel := a.s.actionContext(a.s.opts.StepTimeout)
	defer cancel()
	var raw json.RawMessage
	err := chromedp.Run(opctx, chromedp.Evaluate(script, &raw,
		func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	if name := step.Str("var"); name != "" && a.vars != nil {
		var value any
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &value)
		}
		a.vars.Set(name, value)
	}
	return nil
}

func (a *actions) doPauseForHuman(ctx context.Context, step plan.Step) error {
	reason := step.Str("reason")
	if reason == "" {
		reason = "Paused. Press Enter to continue."
	}
	fmt.Fprintf(os.Stderr, "[PAUSE] %s\n>> Enter to continue...\n", reason)

	done := make(chan struct{})
	go func() {
		var line string
		_, _ = fmt.Fscanln(os.Stdin, &line)
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(10 * time.Minute):
	}
	return nil
}
