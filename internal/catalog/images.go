package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/clalos/cardscan/internal/scanerr"
)

// ImageResolver finds a reference image for a record that carries none.
type ImageResolver interface {
	ResolveImage(ctx context.Context, rec Record) (string, error)
}

// ImageSearch resolves reference images through a card image search service.
type ImageSearch struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

var _ ImageResolver = (*ImageSearch)(nil)

type imageSearchPayload struct {
	Results []imageSearchResult `json:"results"`
}

type imageSearchResult struct {
	Name            flexString `json:"name"`
	CollectorNumber flexString `json:"collector_number"`
	Set             struct {
		Name flexString `json:"name"`
		Code flexString `json:"code"`
	} `json:"set"`
	ImageURIs struct {
		Digital struct {
			Small  flexString `json:"small"`
			Normal flexString `json:"normal"`
			Large  flexString `json:"large"`
		} `json:"digital"`
	} `json:"image_uris"`
}

func (r imageSearchResult) uri() string {
	d := r.ImageURIs.Digital
	for _, candidate := range []flexString{d.Normal, d.Small, d.Large} {
		if candidate != "" {
			return string(candidate)
		}
	}
	return ""
}

// NewImageSearch creates an image resolver rooted at baseURL.
func NewImageSearch(baseURL string, opts ...Option) (*ImageSearch, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("image search base url required")
	}
	s := buildSettings(opts)
	return &ImageSearch{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: s.httpClient,
		limiter:    s.limiter(),
		logger:     s.logger.With("component", "image_search"),
	}, nil
}

// ResolveImage searches every printing of rec.Name and picks the one whose
// set and collector number agree with rec. It returns "" without error when
// nothing usable was found.
func (s *ImageSearch) ResolveImage(ctx context.Context, rec Record) (string, error) {
	name := strings.TrimSpace(rec.Name)
	if name == "" {
		return "", nil
	}
	endpoint := s.baseURL + "/cards/search?" + url.Values{
		"q":      {name},
		"unique": {"prints"},
	}.Encode()

	if err := s.limiter.Wait(ctx); err != nil {
		return "", scanerr.Wrap(scanerr.ErrCandidateFetch, "image_search", "resolve", "rate limit wait", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", scanerr.Wrap(scanerr.ErrCandidateFetch, "image_search", "resolve", "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	requestStart := time.Now()
	resp, err := s.httpClient.Do(req)
	latency := time.Since(requestStart)
	if err != nil {
		return "", scanerr.Wrap(scanerr.ErrCandidateFetch, "image_search", "resolve", fmt.Sprintf("execute request (latency=%v)", latency), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", scanerr.Wrap(scanerr.ErrCandidateFetch, "image_search", "resolve",
			fmt.Sprintf("status %d (latency=%v)", resp.StatusCode, latency), nil)
	}

	var payload imageSearchPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return "", scanerr.Wrap(scanerr.ErrCandidateFetch, "image_search", "resolve", "decode response", err)
	}

	uri := pickPrint(payload.Results, rec)
	s.logger.Debug("image search completed",
		"name", name,
		"results", len(payload.Results),
		"resolved", uri != "",
		"latency", latency)
	return uri, nil
}

// pickPrint prefers a set and number match, then number, then set, then the
// first result with an image.
func pickPrint(results []imageSearchResult, rec Record) string {
	number := strings.TrimLeft(strings.TrimSpace(rec.Number), "0#")
	set := normKey(rec.Set)

	sameNumber := func(r imageSearchResult) bool {
		return number != "" && strings.TrimLeft(string(r.CollectorNumber), "0#") == number
	}
	sameSet := func(r imageSearchResult) bool {
		if set == "" {
			return false
		}
		return normKey(string(r.Set.Name)) == set || normKey(string(r.Set.Code)) == set
	}

	passes := []func(imageSearchResult) bool{
		func(r imageSearchResult) bool { return sameSet(r) && sameNumber(r) },
		sameNumber,
		sameSet,
		func(imageSearchResult) bool { return true },
	}
	for _, accept := range passes {
		for _, r := range results {
			if uri := r.uri(); uri != "" && accept(r) {
				return uri
			}
		}
	}
	return ""
}

func normKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
