package browser

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/plan"
)

// domHashPrefix bounds how much of the snapshot feeds the hash; the
// head of the document is enough to tell two page states apart.
const domHashPrefix = 50_000

// DefaultGuardWindow is the number of consecutive identical DOM hashes
// that counts as a stall.
const DefaultGuardWindow = 6

// mutatingSteps are the step types whose repetition against a frozen
// DOM indicates a loop rather than a slow page.
var mutatingSteps = map[plan.StepType]bool{
	plan.StepClick:  true,
	plan.StepInput:  true,
	plan.StepSelect: true,
}

// DOMHashGuard trips when the page stops changing while the run keeps
// issuing mutating steps against it.
type DOMHashGuard struct {
	page   engine.Page
	window int
	hashes []uint64
	log    zerolog.Logger
}

// NewDOMHashGuard builds a guard over the given page. A window of 0
// uses DefaultGuardWindow.
func NewDOMHashGuard(page engine.Page, window int, log zerolog.Logger) *DOMHashGuard {
	if window <= 0 {
		window = DefaultGuardWindow
	}
	return &DOMHashGuard{page: page, window: window, log: log}
}

// Update hashes the current DOM, records it, and reports whether the
// run is stalled. History is the steps executed so far, oldest first.
func (g *DOMHashGuard) Update(ctx context.Context, history []plan.Step) bool {
	snap := g.page.Snapshot(ctx)
	if len(snap) > domHashPrefix {
		snap = snap[:domHashPrefix]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(snap))
	g.hashes = append(g.hashes, h.Sum64())
	if len(g.hashes) > g.window {
		g.hashes = g.hashes[len(g.hashes)-g.window:]
	}

	if len(g.hashes) < g.window {
		return false
	}
	for _, v := range g.hashes[1:] {
		if v != g.hashes[0] {
			return false
		}
	}
	if !g.recentlyActed(history) {
		return false
	}
	g.log.Warn().Int("window", g.window).Msg("dom frozen under mutating steps, tripping loop guard")
	return true
}

// Reset clears the hash window, typically after a replan.
func (g *DOMHashGuard) Reset() {
	g.hashes = g.hashes[:0]
}

// recentlyActed reports whether any of the last window steps mutated
// the page. A stall without mutation is just a quiet page.
func (g *DOMHashGuard) recentlyActed(history []plan.Step) bool {
	start := len(history) - g.window
	if start < 0 {
		start = 0
	}
	for _, step := range history[start:] {
		if mutatingSteps[step.Type] {
			return true
		}
	}
	return false
}

// captchaMarkers are substrings whose presence in the DOM suggests a
// challenge page.
var captchaMarkers = []string{
	"recaptcha",
	"g-recaptcha",
	"hcaptcha",
	"cf-turnstile",
	"cf-challenge",
	"are you a robot",
	"i'm not a robot",
	"captcha",
}

// DetectCaptcha reports whether the snapshot looks like a bot
// challenge. Callers usually pause for a human when it does.
func DetectCaptcha(snapshot string) bool {
	lower := strings.ToLower(snapshot)
	for _, marker := range captchaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// CaptchaGuard trips once per challenge sighting so the runtime can
// escalate instead of hammering a challenge page.
type CaptchaGuard struct {
	page    engine.Page
	log     zerolog.Logger
	tripped bool
}

// NewCaptchaGuard builds a guard over the given page.
func NewCaptchaGuard(page engine.Page, log zerolog.Logger) *CaptchaGuard {
	return &CaptchaGuard{page: page, log: log}
}

// Update snapshots the page and reports whether a challenge just
// appeared. Repeated sightings of the same challenge do not re-trip.
func (g *CaptchaGuard) Update(ctx context.Context, history []plan.Step) bool {
	if !DetectCaptcha(g.page.Snapshot(ctx)) {
		g.tripped = false
		return false
	}
	if g.tripped {
		return false
	}
	g.tripped = true
	g.log.Warn().Msg("captcha markers detected on page")
	return true
}

// GuardChain runs several guards on every update and trips when any
// member does. Members always see the update, even after one trips.
type GuardChain []engine.LoopGuard

// Update feeds every guard and ORs the verdicts.
func (c GuardChain) Update(ctx context.Context, history []plan.Step) bool {
	tripped := false
	for _, g := range c {
		if g != nil && g.Update(ctx, history) {
			tripped = true
		}
	}
	return tripped
}
