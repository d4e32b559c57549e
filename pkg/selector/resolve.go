package selector

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a Find when the caller passes none.
const DefaultTimeout = 12 * time.Second

// pollInterval is the candidate re-query cadence while waiting.
const pollInterval = 250 * time.Millisecond

// Options controls one resolution attempt.
type Options struct {
	// Visible requires the best candidate to be rendered visible, not
	// just attached.
	Visible bool

	// Timeout bounds the wait for a non-empty candidate set.
	Timeout time.Duration

	// Root scopes queries to a subtree, typically an iframe's content
	// document. Nil queries the whole page.
	Root *cdp.Node
}

// Resolver finds page elements by free-form locator. All lookups are
// total: a missing element is a nil result, and protocol or
// malformed-query errors are swallowed after logging. The resolver
// owns a bounded cache of normalized locators.
type Resolver struct {
	cache *lruCache
	log   zerolog.Logger
}

// NewResolver builds a resolver with a cache of the given size.
// Size <= 0 uses the default.
func NewResolver(cacheSize int, log zerolog.Logger) *Resolver {
	return &Resolver{
		cache: newLRUCache(cacheSize),
		log:   log.With().Str("component", "selector").Logger(),
	}
}

// Normalize returns the cached normalization of a locator.
func (r *Resolver) Normalize(sel string) Normalized {
	if n, ok := r.cache.get(sel); ok {
		return n
	}
	n := Normalize(sel)
	r.cache.put(sel, n)
	return n
}

// Find resolves the single best element for a locator, waiting up to
// the timeout for the candidate set to become non-empty. Returns nil
// when nothing matches in time.
//
// Plain-text CSS queries that match nothing fall back to link-text
// matching at a clamped timeout; CSS queries that look like XPath are
// retried as XPath at half the timeout.
func (r *Resolver) Find(ctx context.Context, sel string, opts Options) *cdp.Node {
	n := r.Normalize(sel)
	if n.Query == "" {
		return nil
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if node := r.waitPick(ctx, n, opts, timeout); node != nil {
		return node
	}

	if n.Kind == KindCSS && looksLikePlainText(n.Query) {
		return r.linkFallback(ctx, n.Query, opts, timeout)
	}

	if n.Kind == KindCSS && looksLikeXPath(n.Query) {
		half := timeout / 2
		if half < time.Second {
			half = time.Second
		}
		return r.waitPick(ctx, Normalized{Query: n.Query, Kind: KindXPath}, opts, half)
	}

	return nil
}

// Exists reports whether at least one element matches within the
// timeout.
func (r *Resolver) Exists(ctx context.Context, sel string, opts Options) bool {
	return r.Find(ctx, sel, opts) != nil
}

// FindAll returns every matching element, optionally filtered by
// visibility. The wait is warmed through Find so an empty page does
// not return early.
func (r *Resolver) FindAll(ctx context.Context, sel string, opts Options) []*cdp.Node {
	n := r.Normalize(sel)
	if n.Query == "" {
		return nil
	}
	if first := r.Find(ctx, sel, opts); first == nil {
		return nil
	}

	nodes := r.queryNodes(ctx, n, opts.Root)
	if len(nodes) == 0 && n.Kind == KindCSS && looksLikePlainText(n.Query) {
		nodes = r.queryNodes(ctx, Normalized{Query: xpTextClickables(n.Query, textContains), Kind: KindXPath}, opts.Root)
	}
	if !opts.Visible {
		return nodes
	}

	out := make([]*cdp.Node, 0, len(nodes))
	for _, node := range nodes {
		if c, ok := r.inspect(ctx, node, true); ok && c.Visible {
			out = append(out, node)
		}
	}
	return out
}

// waitPick polls the candidate set until one survives filtering or the
// timeout elapses.
func (r *Resolver) waitPick(ctx context.Context, n Normalized, opts Options, timeout time.Duration) *cdp.Node {
	deadline := time.Now().Add(timeout)
	for {
		if node := r.pickOnce(ctx, n, opts); node != nil {
			return node
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pollInterval):
		}
	}
}

func (r *Resolver) pickOnce(ctx context.Context, n Normalized, opts Options) *cdp.Node {
	nodes := r.queryNodes(ctx, n, opts.Root)
	if len(nodes) == 0 {
		return nil
	}
	cands := make([]Candidate, 0, len(nodes))
	for _, node := range nodes {
		if c, ok := r.inspect(ctx, node, opts.Visible); ok {
			cands = append(cands, c)
		}
	}
	best := pickBest(cands, opts.Visible)
	if best == nil {
		return nil
	}
	return best.Node
}

// queryNodes fetches the raw candidate set for a query. CSS goes
// through querySelectorAll, XPath through DOM search.
func (r *Resolver) queryNodes(ctx context.Context, n Normalized, root *cdp.Node) []*cdp.Node {
	var nodes []*cdp.Node
	queryOpts := []chromedp.QueryOption{chromedp.ByQueryAll, chromedp.AtLeast(0)}
	if n.Kind == KindXPath {
		queryOpts[0] = chromedp.BySearch
	}
	if root != nil {
		queryOpts = append(queryOpts, chromedp.FromNode(root))
	}

	qctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := chromedp.Run(qctx, chromedp.Nodes(n.Query, &nodes, queryOpts...)); err != nil {
		r.log.Debug().Err(err).Str("query", n.Query).Str("kind", string(n.Kind)).Msg("node query failed")
		return nil
	}
	return nodes
}

// inspect fills a Candidate from node attributes and its box model.
// A node without a box model is detached or not rendered.
func (r *Resolver) inspect(ctx context.Context, node *cdp.Node, needVisible bool) (Candidate, bool) {
	c := Candidate{
		Node:    node,
		Tag:     strings.ToLower(node.NodeName),
		Role:    strings.ToLower(node.AttributeValue("role")),
		Href:    node.AttributeValue("href") != "",
		Enabled: !hasAttribute(node, "disabled"),
	}

	err := chromedp.Run(ctx, chromedp.ActionFunc(func(cctx context.Context) error {
		box, err := dom.GetBoxModel().WithNodeID(node.NodeID).Do(cctx)
		if err != nil || box == nil {
			return nil
		}
		c.Area = float64(box.Width) * float64(box.Height)
		c.Visible = c.Area > 0
		if c.Visible && needVisible {
			c.Visible = r.styleVisible(cctx, node)
		}
		return nil
	}))
	if err != nil {
		return c, false
	}
	return c, true
}

// styleVisible resolves the node to a JS handle and checks computed
// display and visibility, which the box model alone does not cover.
func (r *Resolver) styleVisible(ctx context.Context, node *cdp.Node) bool {
	obj, err := dom.ResolveNode().WithNodeID(node.NodeID).Do(ctx)
	if err != nil || obj == nil {
		return false
	}
	res, _, err := cdpruntime.CallFunctionOn(
		`function() {
			const s = getComputedStyle(this);
			return s.display !== 'none' && s.visibility !== 'hidden' && s.opacity !== '0';
		}`).
		WithObjectID(obj.ObjectID).
		WithReturnByValue(true).
		Do(ctx)
	if err != nil || res == nil {
		return false
	}
	var visible bool
	if err := json.Unmarshal(res.Value, &visible); err != nil {
		return false
	}
	return visible
}

// linkFallback resolves plain text against anchors: exact link text
// first, then partial, at a clamped short timeout since this is the
// backup path.
func (r *Resolver) linkFallback(ctx context.Context, text string, opts Options, timeout time.Duration) *cdp.Node {
	short := timeout
	if short > 2*time.Second {
		short = 2 * time.Second
	}
	if short < time.Second {
		short = time.Second
	}

	lit := xpathLiteral(collapseSpaces(text))
	exact := Normalized{Query: "//a[normalize-space(string(.)) = " + lit + "]", Kind: KindXPath}
	if node := r.waitPick(ctx, exact, opts, short); node != nil {
		return node
	}
	partial := Normalized{Query: "//a[contains(normalize-space(string(.)), " + lit + ")]", Kind: KindXPath}
	return r.waitPick(ctx, partial, opts, short)
}

func hasAttribute(node *cdp.Node, name string) bool {
	for i := 0; i+1 < len(node.Attributes); i += 2 {
		if strings.EqualFold(node.Attributes[i], name) {
			return true
		}
	}
	return false
}
