// Package ranking scores catalog candidates against recognized card text.
package ranking

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/clalos/cardscan/internal/catalog"
	"github.com/clalos/cardscan/internal/ocr"
)

// Weights sets the contribution of each record field to the text distance.
type Weights struct {
	Name   float64
	Set    float64
	Number float64
}

// Options configures a Ranker.
type Options struct {
	Weights Weights
	// Threshold is the largest field distance that still counts as a match.
	Threshold float64
	// NumberBonus is added when the collector number matches exactly.
	NumberBonus float64
	// Keep bounds the number of candidates returned.
	Keep int
}

// DefaultOptions returns the tuned ranking parameters.
func DefaultOptions() Options {
	return Options{
		Weights:     Weights{Name: 0.78, Set: 0.14, Number: 0.08},
		Threshold:   0.36,
		NumberBonus: 0.28,
		Keep:        8,
	}
}

// Scored is a candidate with its scores. All scores are in [0,1].
type Scored struct {
	Record     catalog.Record
	TextScore  float64
	ImageScore float64
	FinalScore float64
	// Distance is the weighted field distance before the number bonus.
	Distance    float64
	NumberMatch bool
}

// Ranker fuzzy-matches recognized text against candidates.
type Ranker struct {
	opts Options
}

// New returns a Ranker. Zero fields in opts take their defaults.
func New(opts Options) *Ranker {
	def := DefaultOptions()
	if opts.Weights.Name+opts.Weights.Set+opts.Weights.Number <= 0 {
		opts.Weights = def.Weights
	}
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.NumberBonus < 0 {
		opts.NumberBonus = 0
	}
	if opts.Keep <= 0 {
		opts.Keep = def.Keep
	}
	return &Ranker{opts: opts}
}

// Rank scores every record against query and the recognized collector
// number, drops records where no field matched, and returns at most Keep
// candidates ordered by TextScore. Ties keep catalog order. FinalScore is
// initialised to TextScore.
func (r *Ranker) Rank(query, number string, records []catalog.Record) []Scored {
	q := ocr.Normalize(query)
	num := normalizeNumber(number)
	if q == "" && num == "" {
		return nil
	}

	w := r.opts.Weights
	total := w.Name + w.Set + w.Number

	out := make([]Scored, 0, len(records))
	for _, rec := range records {
		nameD := r.fieldDistance(q, ocr.Normalize(rec.Name))
		setD := r.fieldDistance(q, ocr.Normalize(rec.Set))
		recNum := normalizeNumber(rec.Number)
		var numD float64
		if num != "" {
			numD = r.fieldDistance(num, recNum)
		} else {
			numD = r.fieldDistance(q, recNum)
		}
		if nameD > r.opts.Threshold && setD > r.opts.Threshold && numD > r.opts.Threshold {
			continue
		}

		weighted := (w.Name*r.clip(nameD) + w.Set*r.clip(setD) + w.Number*r.clip(numD)) / total
		match := num != "" && recNum != "" && strings.EqualFold(num, recNum)
		bonus := 0.0
		if match {
			bonus = r.opts.NumberBonus
		}
		score := (1 - weighted + bonus) / (1 + r.opts.NumberBonus)
		out = append(out, Scored{
			Record:      rec,
			TextScore:   score,
			FinalScore:  score,
			Distance:    weighted,
			NumberMatch: match,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TextScore > out[j].TextScore
	})
	if len(out) > r.opts.Keep {
		out = out[:r.opts.Keep]
	}
	return out
}

// fieldDistance is Distance with empty fields treated as unmatched.
func (r *Ranker) fieldDistance(query, field string) float64 {
	if query == "" || field == "" {
		return 1
	}
	return Distance(query, field)
}

// clip counts unmatched fields as distance 1.
func (r *Ranker) clip(d float64) float64 {
	if d > r.opts.Threshold {
		return 1
	}
	return d
}

// Distance returns the normalized edit distance in [0,1] between pattern and
// text. When pattern is shorter than text it is compared against every
// window of text of the same length and the best window wins, so a partial
// read of a long name still scores well.
func Distance(pattern, text string) float64 {
	p := []rune(pattern)
	t := []rune(text)
	switch {
	case len(p) == 0 && len(t) == 0:
		return 0
	case len(p) == 0 || len(t) == 0:
		return 1
	}

	if len(p) >= len(t) {
		return float64(levenshtein.ComputeDistance(pattern, text)) / float64(len(p))
	}

	best := len(p)
	for i := 0; i+len(p) <= len(t); i++ {
		d := levenshtein.ComputeDistance(pattern, string(t[i:i+len(p)]))
		if d < best {
			best = d
			if best == 0 {
				break
			}
		}
	}
	return float64(best) / float64(len(p))
}

func normalizeNumber(s string) string {
	s = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(s), "#"))
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" && s != "" {
		return "0"
	}
	return strings.ToLower(trimmed)
}
