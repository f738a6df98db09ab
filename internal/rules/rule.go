package rules

import "github.com/craexpense/receipt-processor/internal/model"

// Rule is one deterministic categorization rule. See spec.md §3 and §4.5.
type Rule struct {
	ID                   string          `toml:"id"`
	Category             model.Category  `toml:"category"`
	DeductibilityPercent int             `toml:"deductibility_percent"`
	Priority             int             `toml:"priority"`
	VendorPattern        string          `toml:"vendor_pattern,omitempty"`
	Keywords             []string        `toml:"keywords,omitempty"`
	ProvincialWhitelist  []string        `toml:"provincial_whitelist,omitempty"`
	BaseConfidence       float64         `toml:"base_confidence"`
}

// isVendorQualified reports whether the rule requires a vendor match,
// rather than matching on line-item keywords alone. Vendor-qualified rules
// outrank keyword rules at equal priority (spec.md §4.5).
func (r Rule) isVendorQualified() bool {
	return r.VendorPattern != ""
}

// appliesToProvince reports whether the rule's provincial whitelist
// (additive filter, never exclusionary when empty) permits province.
func (r Rule) appliesToProvince(province string) bool {
	if len(r.ProvincialWhitelist) == 0 {
		return true
	}
	for _, p := range r.ProvincialWhitelist {
		if p == province {
			return true
		}
	}
	return false
}

// RuleSet is a validated, loaded collection of rules.
type RuleSet struct {
	Rules []Rule `toml:"rules"`
}
