// Package selector normalizes free-form locators into CSS or XPath
// queries and resolves them against a live page over the DevTools
// protocol, ranking candidates by clickability.
package selector

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the query language of a normalized locator.
type Kind string

const (
	KindCSS   Kind = "css"
	KindXPath Kind = "xpath"
)

// Normalized is the result of locator normalization.
type Normalized struct {
	Query string
	Kind  Kind
}

// Characters that mark a string as a real CSS/XPath query rather than
// plain link text.
const cssSigns = "#.:[]=>,+~*(){}|$^\"'\\/@"

var xpathHints = []string{"//", "(.//", "(/", "/html", "descendant::", "self::", "parent::", "contains("}

func looksLikeXPath(s string) bool {
	s = strings.TrimSpace(s)
	for _, p := range []string{"//", ".//", "(.//", "(/", "/"} {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	for _, h := range xpathHints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

func looksLikePlainText(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, cssSigns)
}

// Case-insensitive translate alphabets for XPath 1.0: Latin plus
// Cyrillic (RU), Ukrainian/Belarusian, and common Kazakh letters.
const (
	upperAlpha = "ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
		"АБВГДЕЁЖЗИЙКЛМНОПРСТУФХЦЧШЩЪЫЬЭЮЯ" +
		"ІЇЄҐЎ" +
		"ӘҒҚҢӨҰҮҺІ"
	lowerAlpha = "abcdefghijklmnopqrstuvwxyz" +
		"абвгдеёжзийклмнопрстуфхцчшщъыьэюя" +
		"іїєґў" +
		"әғқңөүұһі"
)

var spaceRun = regexp.MustCompile(`\s+`)

func collapseSpaces(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// xpathLiteral packs an arbitrary string into an XPath 1.0 literal,
// falling back to concat() when both quote kinds are present.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	frags := make([]string, 0, len(parts)*2)
	for _, p := range parts[:len(parts)-1] {
		frags = append(frags, "'"+p+"'", `"'"`)
	}
	frags = append(frags, "'"+parts[len(parts)-1]+"'")
	return "concat(" + strings.Join(frags, ", ") + ")"
}

func xpCI(expr string) string {
	return fmt.Sprintf("translate(%s, '%s', '%s')", expr, upperAlpha, lowerAlpha)
}

func xpCIContains(expr, raw string) string {
	lit := xpathLiteral(collapseSpaces(raw))
	return fmt.Sprintf("contains(%s, %s) or contains(%s, %s)", xpCI(expr), xpCI(lit), expr, lit)
}

func xpCIStartsWith(expr, raw string) string {
	lit := xpathLiteral(collapseSpaces(raw))
	return fmt.Sprintf("starts-with(%s, %s) or starts-with(%s, %s)", xpCI(expr), xpCI(lit), expr, lit)
}

// xpCIEndsWith is the XPath 1.0 idiom for ends-with via substring from
// the tail position.
func xpCIEndsWith(expr, raw string) string {
	lit := xpathLiteral(collapseSpaces(raw))
	a := fmt.Sprintf("substring(%s, string-length(%s) - string-length(%s) + 1)", xpCI(expr), xpCI(expr), xpCI(lit))
	b := fmt.Sprintf("substring(%s, string-length(%s) - string-length(%s) + 1)", expr, expr, lit)
	return fmt.Sprintf("%s = %s or %s = %s", a, xpCI(lit), b, lit)
}

func xpCIWord(expr, raw string) string {
	lit := xpathLiteral(collapseSpaces(raw))
	exCI := fmt.Sprintf("concat(' ', %s, ' ')", xpCI(expr))
	ltCI := fmt.Sprintf("concat(' ', %s, ' ')", xpCI(lit))
	ex := fmt.Sprintf("concat(' ', %s, ' ')", expr)
	lt := fmt.Sprintf("concat(' ', %s, ' ')", lit)
	return fmt.Sprintf("contains(%s, %s) or contains(%s, %s)", exCI, ltCI, ex, lt)
}

type textMode string

const (
	textContains textMode = "contains"
	textPrefix   textMode = "prefix"
	textSuffix   textMode = "suffix"
	textWord     textMode = "word"
)

// xpTextClickables builds an XPath that lists clickable elements
// matching the text (or aria-label) first, then any matching node.
func xpTextClickables(text string, mode textMode) string {
	t := collapseSpaces(text)
	exprT := "normalize-space(string(.))"
	exprAria := "normalize-space(@aria-label)"

	var condT, condAria string
	switch mode {
	case textPrefix:
		condT, condAria = xpCIStartsWith(exprT, t), xpCIStartsWith(exprAria, t)
	case textSuffix:
		condT, condAria = xpCIEndsWith(exprT, t), xpCIEndsWith(exprAria, t)
	case textWord:
		condT, condAria = xpCIWord(exprT, t), xpCIWord(exprAria, t)
	default:
		condT, condAria = xpCIContains(exprT, t), xpCIContains(exprAria, t)
	}

	clickables := fmt.Sprintf(
		"(//a[%[1]s or %[2]s] | //button[%[1]s or %[2]s] | //summary[%[1]s or %[2]s]"+
			" | //input[(translate(@type,'%[3]s','%[4]s')='button' or translate(@type,'%[3]s','%[4]s')='submit')]"+
			"[contains(@value, %[5]s) or %[2]s]"+
			" | //*[@role='button' or @role='link' or @role='tab' or @role='menuitem' or @role='option'][%[1]s or %[2]s])",
		condT, condAria, upperAlpha, lowerAlpha, xpathLiteral(t),
	)
	anyNode := fmt.Sprintf("(//*[ %s ])", condT)
	return clickables + " | " + anyNode
}

// xpRole builds an XPath for role= sugar, widening button/link/textbox
// to their native tags.
func xpRole(role, name string) string {
	r := strings.TrimSpace(role)
	if r == "" {
		return "//*[@role]"
	}

	var base string
	switch strings.ToLower(r) {
	case "button":
		base = "//*[@role='button' or self::button or (self::a and @href)]"
	case "link":
		base = "//*[@role='link' or (self::a and @href)]"
	case "textbox":
		base = "//*[@role='textbox' or self::input or self::textarea]"
	default:
		base = fmt.Sprintf("//*[@role=%s]", xpathLiteral(r))
	}

	if name == "" {
		return base
	}
	cond := fmt.Sprintf("%s or %s",
		xpCIContains("normalize-space(string(.))", name),
		xpCIContains("normalize-space(@aria-label)", name))
	return fmt.Sprintf("%s[%s]", base, cond)
}

var (
	roleNameRE  = regexp.MustCompile(`^role\s*=\s*([a-zA-Z0-9_-]+)(?:\s*\[\s*(?:name|text)?\s*=\s*(?:"([^"]+)"|'([^']+)'|([^\]]+))\s*\])?$`)
	roleQuoteRE = regexp.MustCompile(`^role\s*=\s*([a-zA-Z0-9_-]+)\s*\[\s*"([^"]+)"\s*\]$`)
)

func parseRoleSelector(s string) (Normalized, bool) {
	if m := roleQuoteRE.FindStringSubmatch(s); m != nil {
		return Normalized{Query: xpRole(m[1], m[2]), Kind: KindXPath}, true
	}
	m := roleNameRE.FindStringSubmatch(s)
	if m == nil {
		return Normalized{}, false
	}
	name := m[2]
	if name == "" {
		name = m[3]
	}
	if name == "" {
		name = strings.TrimSpace(m[4])
	}
	return Normalized{Query: xpRole(m[1], name), Kind: KindXPath}, true
}

func parseTextSelector(s string) (Normalized, bool) {
	low := strings.ToLower(s)
	for _, p := range []struct {
		prefix string
		mode   textMode
	}{
		{"text^=", textPrefix},
		{"text$=", textSuffix},
		{"text~=", textWord},
		{"text=", textContains},
	} {
		if strings.HasPrefix(low, p.prefix) {
			v := unquote(s[len(p.prefix):])
			return Normalized{Query: xpTextClickables(v, p.mode), Kind: KindXPath}, true
		}
	}
	return Normalized{}, false
}

// ariaAttrs are the attributes covered by aria= sugar; title, alt, and
// placeholder commonly mirror the accessible label.
var ariaAttrs = []string{"aria-label", "title", "alt", "placeholder"}

func cssAttrList(op, value string) string {
	v := strings.ReplaceAll(value, `"`, `\"`)
	parts := make([]string, len(ariaAttrs))
	for i, a := range ariaAttrs {
		parts[i] = fmt.Sprintf(`[%s%s"%s"]`, a, op, v)
	}
	return strings.Join(parts, ",")
}

func parseAriaSelector(s string) (Normalized, bool) {
	low := strings.ToLower(s)
	for _, p := range []struct {
		prefix string
		cssOp  string
	}{
		{"aria^=", "^="},
		{"aria$=", "$="},
		{"aria~=", ""},
		{"aria=", "*="},
	} {
		if !strings.HasPrefix(low, p.prefix) {
			continue
		}
		v := unquote(s[len(p.prefix):])
		if p.cssOp == "" {
			// word match has no CSS operator, fall back to XPath
			conds := make([]string, len(ariaAttrs))
			for i, a := range ariaAttrs {
				conds[i] = xpCIWord("normalize-space(@"+a+")", v)
			}
			return Normalized{Query: "//*[" + strings.Join(conds, " or ") + "]", Kind: KindXPath}, true
		}
		return Normalized{Query: cssAttrList(p.cssOp, v), Kind: KindCSS}, true
	}
	return Normalized{}, false
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"`)
	return strings.Trim(s, "'")
}

// Normalize converts a free-form locator into a (query, kind) pair.
//
// Supported sugar, compatible with planner prompts:
//
//	css=... | css:...                      CSS
//	xpath=... | xpath:...                  XPath
//	text=... / text^= / text$= / text~=    XPath, case-insensitive
//	aria=... / aria^= / aria$= / aria~=    CSS or XPath over label attrs
//	role=r / role=r[name="..."]            XPath with native-tag widening
//	id= / name= / testid= / data-test= / data-testid= / placeholder=
//
// Unprefixed strings that look like XPath are XPath; everything else is
// CSS. Plain text falls back to link matching at resolution time.
func Normalize(sel string) Normalized {
	s := strings.TrimSpace(sel)
	if s == "" {
		return Normalized{Kind: KindCSS}
	}
	low := strings.ToLower(s)

	if strings.HasPrefix(low, "css=") || strings.HasPrefix(low, "css:") {
		return Normalized{Query: strings.TrimSpace(s[4:]), Kind: KindCSS}
	}
	if strings.HasPrefix(low, "xpath=") || strings.HasPrefix(low, "xpath:") {
		return Normalized{Query: strings.TrimSpace(s[6:]), Kind: KindXPath}
	}

	if looksLikeXPath(s) {
		return Normalized{Query: s, Kind: KindXPath}
	}

	if n, ok := parseTextSelector(s); ok {
		return n
	}
	if n, ok := parseAriaSelector(s); ok {
		return n
	}
	if n, ok := parseRoleSelector(s); ok {
		return n
	}

	switch {
	case strings.HasPrefix(low, "id="):
		return Normalized{Query: "#" + strings.TrimSpace(s[3:]), Kind: KindCSS}
	case strings.HasPrefix(low, "name="):
		return Normalized{Query: attrEquals("name", s[5:]), Kind: KindCSS}
	case strings.HasPrefix(low, "testid="):
		return Normalized{Query: attrEquals("data-testid", s[7:]), Kind: KindCSS}
	case strings.HasPrefix(low, "data-testid="):
		return Normalized{Query: attrEquals("data-testid", s[12:]), Kind: KindCSS}
	case strings.HasPrefix(low, "data-test="):
		return Normalized{Query: attrEquals("data-test", s[10:]), Kind: KindCSS}
	case strings.HasPrefix(low, "placeholder="):
		return Normalized{Query: attrEquals("placeholder", s[12:]), Kind: KindCSS}
	}

	return Normalized{Query: s, Kind: KindCSS}
}

func attrEquals(attr, value string) string {
	v := strings.ReplaceAll(unquote(value), `"`, `\"`)
	return fmt.Sprintf(`[%s="%s"]`, attr, v)
}
