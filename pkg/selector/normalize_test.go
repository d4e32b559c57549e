package selector

import (
	"strings"
	"testing"

	"github.com/chromedp/cdproto/cdp"
)

func TestNormalizePrefixes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Normalized
	}{
		{"explicit css", "css=div.item", Normalized{Query: "div.item", Kind: KindCSS}},
		{"explicit css colon", "css:div.item", Normalized{Query: "div.item", Kind: KindCSS}},
		{"explicit xpath", "xpath=//div", Normalized{Query: "//div", Kind: KindXPath}},
		{"explicit xpath colon", "xpath://div", Normalized{Query: "//div", Kind: KindXPath}},
		{"id sugar", "id=submit-btn", Normalized{Query: "#submit-btn", Kind: KindCSS}},
		{"name sugar", "name=email", Normalized{Query: `[name="email"]`, Kind: KindCSS}},
		{"testid sugar", "testid=login", Normalized{Query: `[data-testid="login"]`, Kind: KindCSS}},
		{"data-testid sugar", "data-testid=login", Normalized{Query: `[data-testid="login"]`, Kind: KindCSS}},
		{"data-test sugar", "data-test=cta", Normalized{Query: `[data-test="cta"]`, Kind: KindCSS}},
		{"placeholder sugar", `placeholder="Search"`, Normalized{Query: `[placeholder="Search"]`, Kind: KindCSS}},
		{"empty", "", Normalized{Kind: KindCSS}},
		{"default css", "div > span.x", Normalized{Query: "div > span.x", Kind: KindCSS}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeXPathDetection(t *testing.T) {
	for _, in := range []string{
		"//div[@id='x']",
		"(//a)[1]",
		"/html/body/div",
		".//span",
		"descendant::a",
	} {
		if got := Normalize(in); got.Kind != KindXPath {
			t.Errorf("Normalize(%q).Kind = %s, want xpath", in, got.Kind)
		}
	}
}

func TestNormalizeTextSugar(t *testing.T) {
	n := Normalize("text=Создать кампанию")
	if n.Kind != KindXPath {
		t.Fatalf("kind = %s, want xpath", n.Kind)
	}
	if !strings.Contains(n.Query, "translate(") {
		t.Error("text sugar should be case-insensitive via translate")
	}
	if !strings.Contains(n.Query, "@aria-label") {
		t.Error("text sugar should also match aria-label")
	}
	if !strings.Contains(n.Query, "//button") || !strings.Contains(n.Query, "//a[") {
		t.Error("text sugar should prefer clickable elements")
	}

	for _, in := range []string{"text^=Созд", "text$=панию", "text~=кампанию"} {
		if got := Normalize(in); got.Kind != KindXPath {
			t.Errorf("Normalize(%q).Kind = %s, want xpath", in, got.Kind)
		}
	}
}

func TestNormalizeAriaSugar(t *testing.T) {
	n := Normalize("aria=Close")
	if n.Kind != KindCSS {
		t.Fatalf("aria= should be css, got %s", n.Kind)
	}
	for _, attr := range []string{"aria-label", "title", "alt", "placeholder"} {
		if !strings.Contains(n.Query, attr) {
			t.Errorf("aria= query misses %s: %s", attr, n.Query)
		}
	}
	if !strings.Contains(n.Query, `*="Close"`) {
		t.Errorf("aria= should use contains match: %s", n.Query)
	}

	if got := Normalize("aria^=Clo"); !strings.Contains(got.Query, `^="Clo"`) {
		t.Errorf("aria^= should use prefix match: %s", got.Query)
	}
	if got := Normalize("aria~=Close"); got.Kind != KindXPath {
		t.Errorf("aria~= needs xpath word matching, got %s", got.Kind)
	}
}

func TestNormalizeRoleSugar(t *testing.T) {
	t.Run("bare role", func(t *testing.T) {
		n := Normalize("role=tab")
		if n.Kind != KindXPath || !strings.Contains(n.Query, "@role='tab'") {
			t.Errorf("got %+v", n)
		}
	})

	t.Run("button widened to native tags", func(t *testing.T) {
		n := Normalize("role=button")
		if !strings.Contains(n.Query, "self::button") || !strings.Contains(n.Query, "self::a and @href") {
			t.Errorf("role=button should widen to native tags: %s", n.Query)
		}
	})

	t.Run("link widened", func(t *testing.T) {
		n := Normalize("role=link")
		if !strings.Contains(n.Query, "self::a and @href") {
			t.Errorf("got %s", n.Query)
		}
	})

	t.Run("textbox widened", func(t *testing.T) {
		n := Normalize("role=textbox")
		if !strings.Contains(n.Query, "self::input") || !strings.Contains(n.Query, "self::textarea") {
			t.Errorf("got %s", n.Query)
		}
	})

	t.Run("with name filter", func(t *testing.T) {
		n := Normalize(`role=button[name="Submit"]`)
		if !strings.Contains(n.Query, "translate(") || !strings.Contains(n.Query, "'Submit'") {
			t.Errorf("name filter should match via translate() over the literal as written: %s", n.Query)
		}
	})

	t.Run("bare quoted name", func(t *testing.T) {
		n := Normalize(`role=button["Save"]`)
		if n.Kind != KindXPath || !strings.Contains(n.Query, "translate(") || !strings.Contains(n.Query, "'Save'") {
			t.Errorf("got %+v", n)
		}
	})
}

func TestNormalizeDeterministic(t *testing.T) {
	a := Normalize("text=Login")
	b := Normalize("text=Login")
	if a != b {
		t.Error("normalization must be deterministic")
	}
}

func TestXPathLiteral(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"it's", `"it's"`},
		{`say "hi"`, `'say "hi"'`},
	}
	for _, tt := range tests {
		if got := xpathLiteral(tt.in); got != tt.want {
			t.Errorf("xpathLiteral(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	t.Run("both quote kinds", func(t *testing.T) {
		got := xpathLiteral(`it's "x"`)
		if !strings.HasPrefix(got, "concat(") {
			t.Errorf("mixed quotes need concat: %s", got)
		}
	})
}

func TestLooksLikeHelpers(t *testing.T) {
	if !looksLikePlainText("Создать кампанию") {
		t.Error("cyrillic phrase is plain text")
	}
	if looksLikePlainText("div.item") {
		t.Error("css is not plain text")
	}
	if looksLikePlainText("") {
		t.Error("empty is not plain text")
	}
	if !looksLikeXPath("//div") || looksLikeXPath("div.item") {
		t.Error("xpath detection wrong")
	}
}

func TestLRUCacheEviction(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", Normalized{Query: "a"})
	c.put("b", Normalized{Query: "b"})
	c.put("c", Normalized{Query: "c"})
	if c.len() != 2 {
		t.Fatalf("len = %d, want 2", c.len())
	}
	if _, ok := c.get("a"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.get("c"); !ok {
		t.Error("newest entry missing")
	}

	// touching "b" protects it from the next eviction
	c.get("b")
	c.put("d", Normalized{Query: "d"})
	if _, ok := c.get("b"); !ok {
		t.Error("recently used entry evicted")
	}
	if _, ok := c.get("c"); ok {
		t.Error("least recently used entry kept")
	}
}

func nodeWith(tag string, attrs ...string) *cdp.Node {
	return &cdp.Node{NodeName: strings.ToUpper(tag), Attributes: attrs}
}

func candFor(node *cdp.Node, area float64, visible bool) Candidate {
	return Candidate{
		Node:    node,
		Tag:     strings.ToLower(node.NodeName),
		Role:    strings.ToLower(node.AttributeValue("role")),
		Href:    node.AttributeValue("href") != "",
		Enabled: !hasAttribute(node, "disabled"),
		Area:    area,
		Visible: visible,
	}
}

func TestCandidateScore(t *testing.T) {
	tests := []struct {
		name string
		c    Candidate
		want int
	}{
		{"anchor with href", candFor(nodeWith("a", "href", "/x"), 100, true), 5},
		{"plain button", candFor(nodeWith("button"), 100, true), 2},
		{"div role button", candFor(nodeWith("div", "role", "button"), 100, true), 3},
		{"disabled input", candFor(nodeWith("input", "disabled", ""), 100, true), 1},
		{"bare div", candFor(nodeWith("div"), 100, true), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Score(); got != tt.want {
				t.Errorf("Score() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPickBest(t *testing.T) {
	div := candFor(nodeWith("div"), 100, true)
	link := candFor(nodeWith("a", "href", "/x"), 100, true)
	hidden := candFor(nodeWith("a", "href", "/y"), 100, false)
	zeroArea := candFor(nodeWith("a", "href", "/z"), 0, true)

	t.Run("highest score wins", func(t *testing.T) {
		best := pickBest([]Candidate{div, link}, false)
		if best == nil || !best.Href {
			t.Error("link should outrank bare div")
		}
	})

	t.Run("zero area filtered", func(t *testing.T) {
		if best := pickBest([]Candidate{zeroArea}, false); best != nil {
			t.Error("zero-area candidate must be dropped")
		}
	})

	t.Run("visibility filter", func(t *testing.T) {
		best := pickBest([]Candidate{hidden, div}, true)
		if best == nil || best.Href {
			t.Error("hidden candidate must lose when visibility is required")
		}
		if best := pickBest([]Candidate{hidden}, false); best == nil {
			t.Error("hidden candidate is fine without the visibility requirement")
		}
	})

	t.Run("stable tie-break keeps document order", func(t *testing.T) {
		first := candFor(nodeWith("button"), 100, true)
		second := candFor(nodeWith("button"), 100, true)
		first.Node.NodeID = 1
		second.Node.NodeID = 2
		best := pickBest([]Candidate{first, second}, false)
		if best == nil || best.Node.NodeID != 1 {
			t.Error("equal scores must keep the earlier candidate")
		}
	})

	t.Run("empty", func(t *testing.T) {
		if pickBest(nil, false) != nil {
			t.Error("no candidates means nil")
		}
	})
}
