package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// callOnNode runs a JS function declaration with `this` bound to the
// node and returns the JSON-encoded result.
func (a *actions) callOnNode(ctx context.Context, node *cdp.Node, fnDecl string) (json.RawMessage, error) {
	obj, err := dom.ResolveNode().WithNodeID(node.NodeID).Do(ctx)
	if err != nil {
		return nil, err
	}
	res, exc, err := cdpruntime.CallFunctionOn(fnDecl).
		WithObjectID(obj.ObjectID).
		WithReturnByValue(true).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, exc
	}
	if res == nil {
		return nil, nil
	}
	return json.RawMessage(res.Value), nil
}

func (a *actions) scrollIntoView(node *cdp.Node) error {
	opctx, cancel := a.s.actionContext(5 * time.Second)
	defer cancel()
	return chromedp.Run(opctx, chromedp.ActionFunc(func(cctx context.Context) error {
		return dom.ScrollIntoViewIfNeeded().WithNodeID(node.NodeID).Do(cctx)
	}))
}

// clickNode clicks via synthesized mouse events, falling back to a DOM
// click when the element is covered or outside the viewport math.
func (a *actions) clickNode(node *cdp.Node) error {
	_ = a.scrollIntoView(node)

	opctx, cancel := a.s.actionContext(a.s.opts.StepTimeout)
	defer cancel()
	if err := chromedp.Run(opctx, chromedp.MouseClickNode(node)); err == nil {
		return nil
	}

	fbctx, fbcancel := a.s.actionContext(5 * time.Second)
	defer fbcancel()
	return chromedp.Run(fbctx, chromedp.ActionFunc(func(cctx context.Context) error {
		_, err := a.callOnNode(cctx, node, `function() { this.click(); return true; }`)
		return err
	}))
}

// hoverNode moves the mouse to the node center.
func (a *actions) hoverNode(node *cdp.Node) error {
	_ = a.scrollIntoView(node)
	x, y, err := a.nodeCenter(node)
	if err != nil {
		return err
	}
	opctx, cancel := a.s.actionContext(5 * time.Second)
	defer cancel()
	return chromedp.Run(opctx, chromedp.ActionFunc(func(cctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(cctx)
	}))
}

// nodeCenter returns the viewport coordinates of the node's content
// box center.
func (a *actions) nodeCenter(node *cdp.Node) (x, y float64, err error) {
	opctx, cancel := a.s.actionContext(5 * time.Second)
	defer cancel()
	err = chromedp.Run(opctx, chromedp.ActionFunc(func(cctx context.Context) error {
		box, berr := dom.GetBoxModel().WithNodeID(node.NodeID).Do(cctx)
		if berr != nil {
			return berr
		}
		if box == nil || len(box.Content) < 8 {
			return errors.New("node has no box model")
		}
		c := box.Content
		x = (c[0] + c[2] + c[4] + c[6]) / 4
		y = (c[1] + c[3] + c[5] + c[7]) / 4
		return nil
	}))
	return x, y, err
}

// nodeValue reads a node's text, markup, or attribute. An empty attr
// means visible text.
func (a *actions) nodeValue(node *cdp.Node, attr string) (string, error) {
	var js string
	switch attr {
	case "", "text":
		js = `function() { return this.innerText || this.textContent || ''; }`
	case "html":
		js = `function() { return this.innerHTML || ''; }`
	case "outer_html":
		js = `function() { return this.outerHTML || ''; }`
	default:
		js = fmt.Sprintf(`function() {
			const v = this.getAttribute(%s);
			return v === null ? '' : v;
		}`, jsString(attr))
	}

	opctx, cancel := a.s.actionContext(5 * time.Second)
	defer cancel()
	var out string
	err := chromedp.Run(opctx, chromedp.ActionFunc(func(cctx context.Context) error {
		raw, cerr := a.callOnNode(cctx, node, js)
		if cerr != nil {
			return cerr
		}
		return json.Unmarshal(raw, &out)
	}))
	return out, err
}

// jsString encodes a Go string as a JS string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// matchText compares got against want under the given match mode.
func matchText(how, want, got string) (bool, error) {
	switch how {
	case "contains":
		return strings.Contains(got, want), nil
	case "icontains":
		return strings.Contains(strings.ToLower(got), strings.ToLower(want)), nil
	case "equals":
		return strings.TrimSpace(got) == want, nil
	case "iequals":
		return strings.EqualFold(strings.TrimSpace(got), want), nil
	case "startswith":
		return strings.HasPrefix(strings.TrimSpace(got), want), nil
	case "endswith":
		return strings.HasSuffix(strings.TrimSpace(got), want), nil
	case "regex":
		re, err := regexp.Compile(want)
		if err != nil {
			return false, fmt.Errorf("assert_text: bad regex %q: %w", want, err)
		}
		return re.MatchString(got), nil
	default:
		return false, fmt.Errorf("assert_text: unknown match mode %q", how)
	}
}

// keyNames maps step key names to the DevTools key strings.
var keyNames = map[string]string{
	"ENTER":      kb.Enter,
	"RETURN":     kb.Enter,
	"TAB":        kb.Tab,
	"ESCAPE":     kb.Escape,
	"ESC":        kb.Escape,
	"BACKSPACE":  kb.Backspace,
	"DELETE":     kb.Delete,
	"HOME":       kb.Home,
	"END":        kb.End,
	"PAGE_UP":    kb.PageUp,
	"PAGEUP":     kb.PageUp,
	"PAGE_DOWN":  kb.PageDown,
	"PAGEDOWN":   kb.PageDown,
	"ARROW_UP":   kb.ArrowUp,
	"UP":         kb.ArrowUp,
	"ARROW_DOWN": kb.ArrowDown,
	"DOWN":       kb.ArrowDown,
	"ARROW_LEFT": kb.ArrowLeft,
	"LEFT":       kb.ArrowLeft,
	"ARROW_RIGHT": kb.ArrowRight,
	"RIGHT":      kb.ArrowRight,
	"SPACE":      " ",
}

// lookupKey resolves a key name to the string KeyEvent expects.
// Single characters pass through as-is.
func lookupKey(name string) (string, error) {
	if k, ok := keyNames[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return k, nil
	}
	if utf8.RuneCountInString(name) == 1 {
		return name, nil
	}
	return "", fmt.Errorf("unknown key %q", name)
}

var modifierNames = map[string]input.Modifier{
	"CTRL":    input.ModifierCtrl,
	"CONTROL": input.ModifierCtrl,
	"ALT":     input.ModifierAlt,
	"SHIFT":   input.ModifierShift,
	"META":    input.ModifierMeta,
	"CMD":     input.ModifierMeta,
	"COMMAND": input.ModifierMeta,
}

func lookupModifier(name string) (input.Modifier, bool) {
	m, ok := modifierNames[strings.ToUpper(strings.TrimSpace(name))]
	return m, ok
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
