package catalog

import "strings"

// Filter selects which variant's price is reported for a match.
type Filter struct {
	Condition string
	Printing  string
}

var conditionNames = map[string]string{
	"nm":  "near mint",
	"lp":  "lightly played",
	"mp":  "moderately played",
	"hp":  "heavily played",
	"dmg": "damaged",
	"s":   "sealed",
}

// ExpandCondition maps a condition abbreviation such as "NM" to its full name.
// Unknown values are returned trimmed and unchanged.
func ExpandCondition(condition string) string {
	trimmed := strings.TrimSpace(condition)
	if full, ok := conditionNames[strings.ToLower(trimmed)]; ok {
		return full
	}
	return trimmed
}

func conditionMatches(want, got string) bool {
	if want == "" {
		return true
	}
	return strings.EqualFold(ExpandCondition(want), ExpandCondition(got))
}

// ResolvePrice picks the cheapest priced variant that matches filter. When
// matching variants exist but none is priced, the first of them is returned.
// It returns nil when no variant matches.
func ResolvePrice(variants []Variant, filter Filter) *Variant {
	var best *Variant
	for i := range variants {
		v := &variants[i]
		if !conditionMatches(filter.Condition, v.Condition) {
			continue
		}
		if filter.Printing != "" && !strings.EqualFold(strings.TrimSpace(v.Printing), strings.TrimSpace(filter.Printing)) {
			continue
		}
		switch {
		case best == nil:
			best = v
		case v.Price != nil && (best.Price == nil || *v.Price < *best.Price):
			best = v
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}
