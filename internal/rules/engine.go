// Package rules implements C5, the deterministic rules engine: vendor and
// keyword matching with vendor-qualified rules taking precedence over
// keyword rules at equal priority, deterministic tie-break by rule ID, and
// a provincial whitelist as an additive filter. See spec.md §4.5.
package rules

import (
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/craexpense/receipt-processor/internal/model"
)

// keywordMatchBoost is added to a rule's base confidence when both its
// vendor pattern and at least one keyword match the same line item,
// clamped to 1.0. See spec.md §4.5.
const keywordMatchBoost = 0.1

// Context carries the caller-supplied facts the rule engine needs but
// cannot infer from the receipt itself: the matched vendor name and the
// province of the expense, sourced from the caller, never the receipt
// (spec.md §9).
type Context struct {
	Vendor   string
	Province string
}

// Match is the outcome of evaluating a line item against the rule set.
type Match struct {
	Rule       Rule
	Confidence float64
}

// Engine evaluates line items against a loaded RuleSet.
type Engine struct {
	rules []Rule
}

// NewEngine constructs an Engine over set. The rules are copied so the
// engine's ordering is stable regardless of later mutation of set.
func NewEngine(set *RuleSet) *Engine {
	rules := make([]Rule, len(set.Rules))
	copy(rules, set.Rules)
	return &Engine{rules: rules}
}

// Match finds the single best rule for description under ctx, applying
// spec.md §4.5's precedence: among rules that match at the highest
// priority, vendor-qualified rules beat keyword-only rules, and any
// remaining tie is broken by the lexicographically lowest rule ID. Returns
// (nil, false) when no rule matches, signaling the caller to fall back to
// CategoryUncategorized.
func (e *Engine) Match(description string, ctx Context) (*Match, bool) {
	var candidates []Rule
	for _, r := range e.rules {
		if !r.appliesToProvince(ctx.Province) {
			continue
		}
		vendorMatched := r.isVendorQualified() && vendorGlobMatches(r.VendorPattern, ctx.Vendor)
		keywordMatched := keywordsMatch(r.Keywords, description)

		if r.isVendorQualified() {
			// A vendor rule that also declares keywords is scoped to
			// those keywords: it is a candidate only for the subset of
			// that vendor's line items the keywords identify, not every
			// line item the vendor bills. A vendor rule with no
			// keywords at all still matches every line item from that
			// vendor, as before.
			if vendorMatched && (len(r.Keywords) == 0 || keywordMatched) {
				candidates = append(candidates, r)
			}
			continue
		}
		if keywordMatched {
			candidates = append(candidates, r)
		}
	}

	if len(candidates) == 0 {
		return nil, false
	}

	best := selectBest(candidates)
	confidence := best.BaseConfidence
	if best.isVendorQualified() && keywordsMatch(best.Keywords, description) {
		confidence += keywordMatchBoost
	}
	if confidence > 1.0 {
		confidence = 1.0
	}

	return &Match{Rule: best, Confidence: confidence}, true
}

// selectBest applies spec.md §4.5's precedence over an already-matching
// candidate set: highest priority first, vendor-qualified over
// keyword-only at equal priority, then lowest rule ID.
func selectBest(candidates []Rule) Rule {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.isVendorQualified() != b.isVendorQualified() {
			return a.isVendorQualified()
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

func vendorGlobMatches(pattern, vendor string) bool {
	if pattern == "" {
		return false
	}
	matched, err := doublestar.Match(strings.ToLower(pattern), strings.ToLower(vendor))
	return err == nil && matched
}

func keywordsMatch(keywords []string, description string) bool {
	lower := strings.ToLower(description)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Uncategorized is the fallback ProcessedItem category emitted when no
// rule matches, per spec.md §4.5 and §6.
var Uncategorized = Rule{
	ID:                   "__uncategorized__",
	Category:             model.CategoryUncategorized,
	DeductibilityPercent: 0,
	BaseConfidence:       0,
}
