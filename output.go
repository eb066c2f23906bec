package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/clalos/cardscan/internal/catalog"
	"github.com/clalos/cardscan/internal/logging"
	"github.com/clalos/cardscan/internal/ranking"
	"github.com/clalos/cardscan/internal/scan"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// candidateView is the serialized form of a ranked candidate.
type candidateView struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Set        string   `json:"set,omitempty"`
	Number     string   `json:"number,omitempty"`
	Rarity     string   `json:"rarity,omitempty"`
	Price      *float64 `json:"price,omitempty"`
	Condition  string   `json:"condition,omitempty"`
	Printing   string   `json:"printing,omitempty"`
	TextScore  float64  `json:"text_score"`
	ImageScore float64  `json:"image_score"`
	FinalScore float64  `json:"final_score"`
}

// event is one JSON line of output.
type event struct {
	Time       time.Time       `json:"time"`
	Kind       string          `json:"kind"`
	State      string          `json:"state,omitempty"`
	Outcome    string          `json:"outcome,omitempty"`
	Message    string          `json:"message,omitempty"`
	Detected   string          `json:"detected,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
	Match      *candidateView  `json:"match,omitempty"`
	Candidates []candidateView `json:"candidates,omitempty"`
}

// printer writes scan output as tables on a terminal and JSON lines
// otherwise. It suppresses repeated snapshots.
type printer struct {
	out    io.Writer
	asJSON bool
	enc    *json.Encoder
	now    func() time.Time
	last   string
	match  time.Time
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:    out,
		asJSON: !logging.IsTerminal(out),
		enc:    json.NewEncoder(out),
		now:    time.Now,
	}
}

// snapshot prints state changes and new matches from a running scan.
func (p *printer) snapshot(s scan.Snapshot) error {
	key := s.State.String() + "|" + s.Message
	newMatch := s.LastMatch != nil && !s.LastMatch.CapturedAt.Equal(p.match)
	if key == p.last && !newMatch {
		return nil
	}
	p.last = key
	if newMatch {
		p.match = s.LastMatch.CapturedAt
	}

	if p.asJSON {
		ev := event{
			Time:       s.UpdatedAt,
			Kind:       "status",
			State:      s.State.String(),
			Message:    s.Message,
			Confidence: s.Confidence,
		}
		if newMatch {
			ev.Kind = "match"
			ev.Match = matchView(s.LastMatch)
		}
		return p.enc.Encode(ev)
	}

	if _, err := fmt.Fprintf(p.out, "[%s] %s\n", s.State, s.Message); err != nil {
		return err
	}
	if newMatch {
		return p.matchTable([]candidateView{*matchView(s.LastMatch)})
	}
	return nil
}

// report prints the result of a single pass.
func (p *printer) report(r scan.Report) error {
	views := make([]candidateView, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		views = append(views, scoredView(c))
	}

	if p.asJSON {
		ev := event{
			Time:       p.now().UTC(),
			Kind:       "report",
			Outcome:    r.Outcome.String(),
			Message:    r.Message,
			Detected:   r.Reading.Name,
			Confidence: r.Reading.Confidence,
			Candidates: views,
		}
		if r.Match != nil {
			ev.Match = matchView(r.Match)
		}
		return p.enc.Encode(ev)
	}

	if _, err := fmt.Fprintln(p.out, r.Message); err != nil {
		return err
	}
	if len(views) == 0 {
		return nil
	}
	return p.matchTable(views)
}

func (p *printer) matchTable(views []candidateView) error {
	headers := []string{"Name", "Set", "No.", "Price", "Text", "Image", "Score"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			v.Name,
			v.Set,
			v.Number,
			formatPrice(v.Price),
			formatScore(v.TextScore),
			formatScore(v.ImageScore),
			formatScore(v.FinalScore),
		})
	}
	_, err := fmt.Fprintln(p.out, renderTable(headers, rows, aligns))
	return err
}

func matchView(m *scan.MatchResult) *candidateView {
	v := recordView(m.Record)
	v.TextScore = m.TextScore
	v.ImageScore = m.ImageScore
	v.FinalScore = m.FinalScore
	applyPrice(&v, m.Price)
	return &v
}

func scoredView(s ranking.Scored) candidateView {
	v := recordView(s.Record)
	v.TextScore = s.TextScore
	v.ImageScore = s.ImageScore
	v.FinalScore = s.FinalScore
	return v
}

func recordView(r catalog.Record) candidateView {
	return candidateView{
		ID:     r.ID,
		Name:   r.Name,
		Set:    r.Set,
		Number: r.Number,
		Rarity: r.Rarity,
	}
}

func applyPrice(v *candidateView, price *catalog.Variant) {
	if price == nil {
		return
	}
	v.Price = price.Price
	v.Condition = price.Condition
	v.Printing = price.Printing
}

func formatPrice(price *float64) string {
	if price == nil {
		return "-"
	}
	return "$" + strconv.FormatFloat(*price, 'f', 2, 64)
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 2, 64)
}
