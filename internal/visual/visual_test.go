package visual

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/clalos/cardscan/internal/catalog"
	"github.com/clalos/cardscan/internal/logging"
	"github.com/clalos/cardscan/internal/ranking"
	"github.com/clalos/cardscan/internal/scanerr"
)

// widthExtractor reports one descriptor row per image column, and every
// reference row counts as a good match.
type widthExtractor struct{}

func (widthExtractor) Extract(img gocv.Mat) (Descriptors, error) {
	rows := img.Cols()
	return Descriptors{Rows: rows, Cols: 32, Data: make([]byte, rows*32)}, nil
}

func (widthExtractor) GoodMatches(_, ref Descriptors) (int, error) {
	return ref.Rows, nil
}

func pngOfWidth(w int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, 8))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.NRGBA{R: uint8(x), A: 255})
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func newImageServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		width, err := strconv.Atoi(r.URL.Query().Get("w"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngOfWidth(width))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestMatcher(t *testing.T, srv *httptest.Server, resolver catalog.ImageResolver) *Matcher {
	t.Helper()
	cache, err := NewCache(16, nil, logging.Discard())
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	m := NewMatcher(
		func() (Extractor, error) { return widthExtractor{}, nil },
		NewFetcher(srv.Client(), 0),
		cache,
		resolver,
		Options{StrongMatchCount: 120, FetchConcurrency: 2, FetchTimeout: 2 * time.Second},
		logging.Discard(),
	)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return m
}

func candidate(id, uri string) ranking.Scored {
	rec := catalog.Record{ID: id, Name: id}
	if uri != "" {
		rec.ImageURIs = []string{uri}
	}
	return ranking.Scored{Record: rec, TextScore: 0.5, FinalScore: 0.5}
}

func scene(t *testing.T) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { m.Close() })
	return m
}

type staticResolver struct{ uri string }

func (r staticResolver) ResolveImage(context.Context, catalog.Record) (string, error) {
	return r.uri, nil
}

func TestMatcherScoresCandidates(t *testing.T) {
	var hits atomic.Int64
	srv := newImageServer(t, &hits)
	m := newTestMatcher(t, srv, staticResolver{uri: srv.URL + "/img?w=30"})

	cands := []ranking.Scored{
		candidate("half", srv.URL+"/img?w=60"),
		candidate("full", srv.URL+"/img?w=300"),
		candidate("missing", srv.URL+"/img?w=bad"),
		candidate("ftp", "ftp://example.com/card.png"),
		candidate("resolved", ""),
	}
	if !m.Score(context.Background(), scene(t), cands) {
		t.Fatal("Score() reported no visual signal")
	}

	want := map[string]float64{"half": 0.5, "full": 1, "missing": 0, "ftp": 0, "resolved": 0.25}
	for _, c := range cands {
		if c.ImageScore != want[c.Record.ID] {
			t.Errorf("%s: ImageScore = %v, want %v", c.Record.ID, c.ImageScore, want[c.Record.ID])
		}
	}
	if _, failures := m.Stats(); failures != 2 {
		t.Errorf("failures = %d, want 2", failures)
	}

	before := hits.Load()
	again := []ranking.Scored{candidate("half", srv.URL+"/img?w=60")}
	if !m.Score(context.Background(), scene(t), again) {
		t.Fatal("cached Score() reported no visual signal")
	}
	if hits.Load() != before {
		t.Errorf("cached descriptors were refetched")
	}
	if again[0].ImageScore != 0.5 {
		t.Errorf("cached ImageScore = %v, want 0.5", again[0].ImageScore)
	}
}

func TestMatcherDegrades(t *testing.T) {
	var hits atomic.Int64
	srv := newImageServer(t, &hits)

	unloaded := NewMatcher(func() (Extractor, error) { return widthExtractor{}, nil },
		NewFetcher(srv.Client(), 0), nil, nil, Options{}, logging.Discard())
	if unloaded.Score(context.Background(), scene(t), []ranking.Scored{candidate("a", srv.URL+"/img?w=60")}) {
		t.Error("unloaded matcher should not report a visual signal")
	}

	m := newTestMatcher(t, srv, nil)
	cands := []ranking.Scored{candidate("a", srv.URL+"/img?w=nope"), candidate("b", "")}
	if m.Score(context.Background(), scene(t), cands) {
		t.Error("Score() should report no signal when every candidate fails")
	}
}

func TestMatcherLoadFailure(t *testing.T) {
	m := NewMatcher(func() (Extractor, error) { return nil, errors.New("no opencv") },
		NewFetcher(nil, 0), nil, nil, Options{}, logging.Discard())
	err := m.Load(context.Background())
	if !errors.Is(err, scanerr.ErrEngineLoad) {
		t.Fatalf("Load() error = %v, want ErrEngineLoad", err)
	}
	if m.Ready() {
		t.Error("Ready() = true after failed load")
	}
}

func TestCountGoodMatches(t *testing.T) {
	matches := [][]gocv.DMatch{
		{{Distance: 10}, {Distance: 100}},
		{{Distance: 80}, {Distance: 100}},
		{{Distance: 5}},
		{},
		{{Distance: 74}, {Distance: 100}},
	}
	if got := CountGoodMatches(matches, 0.75); got != 2 {
		t.Errorf("CountGoodMatches() = %d, want 2", got)
	}
}

func TestNormalizeScore(t *testing.T) {
	tests := []struct {
		good, strong int
		want         float64
	}{
		{0, 120, 0},
		{60, 120, 0.5},
		{120, 120, 1},
		{500, 120, 1},
		{10, 0, 0},
	}
	for _, tt := range tests {
		if got := NormalizeScore(tt.good, tt.strong); got != tt.want {
			t.Errorf("NormalizeScore(%d, %d) = %v, want %v", tt.good, tt.strong, got, tt.want)
		}
	}
}

func TestFetcherRejectsNonHTTP(t *testing.T) {
	f := NewFetcher(nil, 0)
	for _, uri := range []string{"file:///etc/passwd", "data:image/png;base64,AAAA", "card.png"} {
		_, err := f.Fetch(context.Background(), uri)
		if !errors.Is(err, scanerr.ErrCandidateFetch) || !errors.Is(err, errUnsupportedScheme) {
			t.Errorf("Fetch(%q) error = %v, want unsupported scheme", uri, err)
		}
	}
}

func TestFetcherShrinksLargeImages(t *testing.T) {
	var hits atomic.Int64
	srv := newImageServer(t, &hits)
	img, err := NewFetcher(srv.Client(), 100).Fetch(context.Background(), srv.URL+"/img?w=400")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 2 {
		t.Errorf("bounds = %v, want 100x2", b)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache", "descriptors.db")
	store, err := OpenStore(ctx, path)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	if _, ok, err := store.Get(ctx, "https://img/a.png"); err != nil || ok {
		t.Fatalf("Get() on empty store = %v, %v", ok, err)
	}

	d := Descriptors{Rows: 2, Cols: 32, Data: bytes.Repeat([]byte{7}, 64)}
	if err := store.Put(ctx, "https://img/a.png", d); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	d.Data[0] = 9
	if err := store.Put(ctx, "https://img/a.png", d); err != nil {
		t.Fatalf("Put() overwrite error = %v", err)
	}

	got, ok, err := store.Get(ctx, "https://img/a.png")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got.Rows != 2 || got.Cols != 32 || !bytes.Equal(got.Data, d.Data) {
		t.Errorf("Get() = %+v", got)
	}
	if n, err := store.Count(ctx); err != nil || n != 1 {
		t.Errorf("Count() = %d, %v; want 1", n, err)
	}
}

func TestCacheFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(ctx, filepath.Join(t.TempDir(), "descriptors.db"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	d := Descriptors{Rows: 1, Cols: 32, Data: make([]byte, 32)}
	first, err := NewCache(4, store, logging.Discard())
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	first.Put(ctx, "uri", d)

	second, err := NewCache(4, store, logging.Discard())
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	got, ok := second.Get(ctx, "uri")
	if !ok || got.Rows != 1 {
		t.Fatalf("Get() = %+v, %v", got, ok)
	}
	if second.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after store hit", second.Len())
	}
}

func TestORBFindsNoKeypointsOnFlatImage(t *testing.T) {
	o := NewORB(0.75, 0.75)
	defer o.Close()

	flat := gocv.NewMatWithSize(64, 64, gocv.MatTypeCV8UC3)
	defer flat.Close()

	d, err := o.Extract(flat)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !d.Empty() {
		t.Errorf("flat image produced %d descriptors", d.Rows)
	}
	if good, err := o.GoodMatches(d, d); err != nil || good != 0 {
		t.Errorf("GoodMatches() = %d, %v", good, err)
	}
}

func TestORBExtractAfterClose(t *testing.T) {
	o := NewORB(0.75, 0.75)
	if err := o.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	img := gocv.NewMatWithSize(64, 64, gocv.MatTypeCV8UC3)
	defer img.Close()
	if _, err := o.Extract(img); !errors.Is(err, errExtractorClosed) {
		t.Fatalf("Extract() error = %v, want errExtractorClosed", err)
	}
}
