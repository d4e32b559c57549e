package selector

import (
	"sort"

	"github.com/chromedp/cdproto/cdp"
)

// interactiveRoles and interactiveTags feed the clickability score.
var interactiveRoles = map[string]bool{
	"button": true, "link": true, "tab": true, "menuitem": true, "option": true,
}

var interactiveTags = map[string]bool{
	"a": true, "button": true, "input": true, "summary": true, "label": true,
}

// Candidate is a resolved DOM node with the attributes the ranking
// heuristic inspects.
type Candidate struct {
	Node    *cdp.Node
	Tag     string
	Role    string
	Href    bool
	Enabled bool
	Visible bool
	Area    float64
}

// Score is the clickability weight: href outranks role, role outranks
// tag, enabled adds one.
func (c Candidate) Score() int {
	score := 0
	if c.Href {
		score += 3
	}
	if interactiveRoles[c.Role] {
		score += 2
	}
	if interactiveTags[c.Tag] {
		score += 1
	}
	if c.Enabled {
		score += 1
	}
	return score
}

// pickBest filters candidates (visible when required, positive area
// always) and returns the highest-scoring survivor. The sort is stable,
// so equal scores keep document order.
func pickBest(cands []Candidate, requireVisible bool) *Candidate {
	kept := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if requireVisible && !c.Visible {
			continue
		}
		if c.Area <= 0 {
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return nil
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score() > kept[j].Score()
	})
	return &kept[0]
}
