// Package catalog queries the external card catalog and turns its loosely
// typed JSON into fully typed candidate records.
package catalog

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Variant is one priced edition of a card.
type Variant struct {
	ID        string
	Condition string
	Printing  string
	// Price is nil when the catalog has no price for the variant.
	Price       *float64
	LastUpdated time.Time
}

// Record is a candidate card returned by the catalog.
type Record struct {
	ID        string
	Name      string
	Set       string
	Number    string
	Rarity    string
	ImageURIs []string
	Variants  []Variant
}

// PrimaryImage returns the first reference image URI, or "".
func (r Record) PrimaryImage() string {
	if len(r.ImageURIs) == 0 {
		return ""
	}
	return r.ImageURIs[0]
}

// HasPricedVariant reports whether any variant carries a price.
func (r Record) HasPricedVariant() bool {
	for _, v := range r.Variants {
		if v.Price != nil {
			return true
		}
	}
	return false
}

// flexString accepts a JSON string, number or null.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		// Objects and arrays carry nothing usable here.
		*s = ""
		return nil
	}
	*s = flexString(n.String())
	return nil
}

// flexFloat accepts a JSON number, numeric string or null.
type flexFloat struct {
	value *float64
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	f.value = nil
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimPrefix(string(s), "$"), 64)
	if err != nil {
		return nil
	}
	f.value = &v
	return nil
}

// flexTime accepts unix seconds, unix milliseconds or an RFC 3339 string.
type flexTime struct {
	value time.Time
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	t.value = time.Time{}
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseFloat(string(s), 64); err == nil {
		if n > 1e12 {
			t.value = time.UnixMilli(int64(n)).UTC()
		} else {
			t.value = time.Unix(int64(n), 0).UTC()
		}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339, string(s)); err == nil {
		t.value = parsed.UTC()
	}
	return nil
}

// flexStrings accepts a single string, an array of strings or null.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*f = nil
	if len(data) == 0 || data[0] != '[' {
		var s flexString
		if err := s.UnmarshalJSON(data); err != nil {
			return err
		}
		if s != "" {
			*f = flexStrings{string(s)}
		}
		return nil
	}
	var items []flexString
	if err := json.Unmarshal(data, &items); err != nil {
		return nil
	}
	for _, item := range items {
		if item != "" {
			*f = append(*f, string(item))
		}
	}
	return nil
}

type rawVariant struct {
	ID          flexString `json:"id"`
	Condition   flexString `json:"condition"`
	Printing    flexString `json:"printing"`
	Price       flexFloat  `json:"price"`
	LastUpdated flexTime   `json:"lastUpdated"`
}

type rawCard struct {
	ID       flexString   `json:"id"`
	Name     flexString   `json:"name"`
	Set      flexString   `json:"set"`
	SetName  flexString   `json:"set_name"`
	Number   flexString   `json:"number"`
	Rarity   flexString   `json:"rarity"`
	Image    flexStrings  `json:"image"`
	ImageURL flexStrings  `json:"image_url"`
	Images   flexStrings  `json:"images"`
	Variants []rawVariant `json:"variants"`
}

type searchPayload struct {
	// Data is nil when the body carries no data array.
	Data    *[]json.RawMessage `json:"data"`
	Error   flexString         `json:"error"`
	Message flexString         `json:"message"`
}

func (p searchPayload) errorText() string {
	if p.Error != "" {
		return string(p.Error)
	}
	return string(p.Message)
}

// parseRecords converts the raw catalog rows. Rows that fail to decode or
// lack an id or name are skipped and counted.
func parseRecords(rows []json.RawMessage) ([]Record, int) {
	records := make([]Record, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		var raw rawCard
		if err := json.Unmarshal(row, &raw); err != nil {
			skipped++
			continue
		}
		rec, ok := raw.record()
		if !ok {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	return records, skipped
}

func (raw rawCard) record() (Record, bool) {
	if raw.ID == "" || raw.Name == "" {
		return Record{}, false
	}
	rec := Record{
		ID:     string(raw.ID),
		Name:   string(raw.Name),
		Set:    string(raw.Set),
		Number: strings.TrimLeft(string(raw.Number), "#"),
		Rarity: string(raw.Rarity),
	}
	if rec.Set == "" {
		rec.Set = string(raw.SetName)
	}

	seen := map[string]bool{}
	for _, group := range []flexStrings{raw.Image, raw.ImageURL, raw.Images} {
		for _, uri := range group {
			if !seen[uri] {
				seen[uri] = true
				rec.ImageURIs = append(rec.ImageURIs, uri)
			}
		}
	}

	for _, v := range raw.Variants {
		rec.Variants = append(rec.Variants, Variant{
			ID:          string(v.ID),
			Condition:   string(v.Condition),
			Printing:    string(v.Printing),
			Price:       v.Price.value,
			LastUpdated: v.LastUpdated.value,
		})
	}
	return rec, true
}
