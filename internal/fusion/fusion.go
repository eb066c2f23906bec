// Package fusion combines text and visual scores and picks the best candidate.
package fusion

import (
	"gonum.org/v1/gonum/floats"

	"github.com/clalos/cardscan/internal/ranking"
)

// Weights are the contributions of the text and image scores.
type Weights struct {
	Text  float64
	Image float64
}

// DefaultWeights returns the default 0.75/0.25 split.
func DefaultWeights() Weights {
	return Weights{Text: 0.75, Image: 0.25}
}

// normalized rescales w so the weights sum to 1.
func (w Weights) normalized() Weights {
	if w.Text < 0 || w.Image < 0 || w.Text+w.Image <= 0 {
		return DefaultWeights()
	}
	sum := w.Text + w.Image
	return Weights{Text: w.Text / sum, Image: w.Image / sum}
}

// Fuse sets FinalScore on every candidate in place. When visual is false
// the image term is dropped and FinalScore equals TextScore.
func Fuse(cands []ranking.Scored, w Weights, visual bool) {
	w = w.normalized()
	for i := range cands {
		c := &cands[i]
		if !visual {
			c.ImageScore = 0
			c.FinalScore = c.TextScore
			continue
		}
		c.FinalScore = clamp(w.Text*c.TextScore + w.Image*clamp(c.ImageScore))
	}
}

// Select returns the candidate with the highest FinalScore. The earliest
// candidate wins ties. ok is false when cands is empty.
func Select(cands []ranking.Scored) (best ranking.Scored, ok bool) {
	if len(cands) == 0 {
		return ranking.Scored{}, false
	}
	scores := make([]float64, len(cands))
	for i, c := range cands {
		scores[i] = c.FinalScore
	}
	return cands[floats.MaxIdx(scores)], true
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
