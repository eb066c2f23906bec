package ocr

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gonum.org/v1/gonum/stat"
)

// Normalize folds accents, lowercases, drops characters other than letters,
// digits, spaces, hyphens, apostrophes and slashes, and collapses whitespace.
// Normalized names are used for debouncing and fuzzy matching.
func Normalize(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}
	folded = cases.Lower(language.Und).String(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '-', r == '\'', r == '/':
			b.WriteRune(r)
		case r == '’', r == '‘':
			b.WriteRune('\'')
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// NameFromLines picks the most likely card name from full-frame OCR lines.
// The longest line starting in the top third of the image wins, provided it
// has at least four characters; otherwise the longest line overall is used.
func NameFromLines(lines []Token, height int) string {
	var topBest, overallBest string
	for _, line := range lines {
		text := cleanLine(line.Text)
		if text == "" {
			continue
		}
		n := len([]rune(text))
		if n > len([]rune(overallBest)) {
			overallBest = text
		}
		if height > 0 && line.Bounds.Min.Y < height/3 && n >= 4 && n > len([]rune(topBest)) {
			topBest = text
		}
	}
	if topBest != "" {
		return topBest
	}
	return overallBest
}

// FirstLine returns the first non-empty line of text, or the longest line when
// the first is shorter than minLen.
func FirstLine(text string, minLen int) string {
	var first, longest string
	for _, line := range strings.Split(text, "\n") {
		line = cleanLine(line)
		if line == "" {
			continue
		}
		if first == "" {
			first = line
		}
		if len([]rune(line)) > len([]rune(longest)) {
			longest = line
		}
	}
	if len([]rune(first)) < minLen {
		return longest
	}
	return first
}

// LinesFromText turns plain text into position-less line tokens.
func LinesFromText(text string) []Token {
	var out []Token
	for _, line := range strings.Split(text, "\n") {
		if line = cleanLine(line); line != "" {
			out = append(out, Token{Text: line})
		}
	}
	return out
}

func cleanLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var collectorNumberPattern = regexp.MustCompile(`\b(\d{1,3})\s*/\s*\d{1,3}\b`)

// CollectorNumber extracts the card's position in its set from text such as
// "42/204". Leading zeros are dropped. It returns "" when no number is found.
func CollectorNumber(text string) string {
	m := collectorNumberPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	number := strings.TrimLeft(m[1], "0")
	if number == "" {
		number = "0"
	}
	return number
}

// AverageConfidence is the mean confidence of tokens with non-empty text, or
// nil when there are none.
func AverageConfidence(words []Token) *float64 {
	values := make([]float64, 0, len(words))
	for _, w := range words {
		if strings.TrimSpace(w.Text) == "" {
			continue
		}
		values = append(values, w.Confidence)
	}
	if len(values) == 0 {
		return nil
	}
	mean := stat.Mean(values, nil)
	return &mean
}
