package rules

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/craexpense/receipt-processor/internal/model"
)

// LoadFile parses a TOML rule file and validates every rule's category
// against the closed enumeration before returning. See spec.md §4.5.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return Load(data)
}

// Load parses and validates rule TOML content.
func Load(data []byte) (*RuleSet, error) {
	var set RuleSet
	if err := toml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse rule TOML: %w", err)
	}

	seen := make(map[string]bool, len(set.Rules))
	for _, r := range set.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule missing id")
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true

		if !model.IsValidCategory(r.Category) {
			return nil, fmt.Errorf("rule %q has invalid category %q", r.ID, r.Category)
		}
		if r.DeductibilityPercent < 0 || r.DeductibilityPercent > 100 {
			return nil, fmt.Errorf("rule %q has out-of-range deductibility_percent %d", r.ID, r.DeductibilityPercent)
		}
		if r.VendorPattern == "" && len(r.Keywords) == 0 {
			return nil, fmt.Errorf("rule %q has neither a vendor_pattern nor keywords", r.ID)
		}
	}

	return &set, nil
}
