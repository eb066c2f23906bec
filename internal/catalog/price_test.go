package catalog

import "testing"

func price(v float64) *float64 { return &v }

func TestExpandCondition(t *testing.T) {
	tests := map[string]string{
		"NM":         "near mint",
		" lp ":       "lightly played",
		"DMG":        "damaged",
		"S":          "sealed",
		"Near Mint":  "Near Mint",
		"":           "",
		"Graded 10 ": "Graded 10",
	}
	for in, want := range tests {
		if got := ExpandCondition(in); got != want {
			t.Errorf("ExpandCondition(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolvePrice(t *testing.T) {
	variants := []Variant{
		{ID: "a", Condition: "Near Mint", Printing: "Foil", Price: price(20)},
		{ID: "b", Condition: "Near Mint", Printing: "Normal", Price: price(4.5)},
		{ID: "c", Condition: "Lightly Played", Printing: "Normal", Price: price(2)},
		{ID: "d", Condition: "Damaged", Printing: "Normal"},
	}

	tests := []struct {
		name   string
		filter Filter
		want   string
	}{
		{name: "abbreviated condition picks cheapest", filter: Filter{Condition: "NM"}, want: "b"},
		{name: "printing narrows", filter: Filter{Condition: "nm", Printing: "foil"}, want: "a"},
		{name: "no filter cheapest overall", filter: Filter{}, want: "c"},
		{name: "unpriced match still returned", filter: Filter{Condition: "DMG"}, want: "d"},
		{name: "no match", filter: Filter{Condition: "Sealed"}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolvePrice(variants, tt.filter)
			switch {
			case tt.want == "" && got != nil:
				t.Errorf("ResolvePrice() = %+v, want nil", got)
			case tt.want != "" && (got == nil || got.ID != tt.want):
				t.Errorf("ResolvePrice() = %+v, want %s", got, tt.want)
			}
		})
	}
}
