package visual

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/clalos/cardscan/internal/scanerr"
)

const maxImageBytes = 16 << 20

var errUnsupportedScheme = errors.New("unsupported image uri scheme")

// Fetcher downloads and decodes candidate reference images.
type Fetcher struct {
	client       *http.Client
	maxDimension int
}

// NewFetcher returns a Fetcher. Decoded images larger than maxDimension on
// either side are shrunk to fit; zero disables the limit.
func NewFetcher(client *http.Client, maxDimension int) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Fetcher{client: client, maxDimension: maxDimension}
}

// Fetch downloads uri and decodes it. Only http and https URIs are accepted.
// Failures are marked scanerr.ErrCandidateFetch.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (image.Image, error) {
	parsed, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return nil, scanerr.Wrap(scanerr.ErrCandidateFetch, "visual", "fetch", "parse uri", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, scanerr.Wrap(scanerr.ErrCandidateFetch, "visual", "fetch", parsed.Scheme, errUnsupportedScheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.ErrCandidateFetch, "visual", "fetch", "build request", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.ErrCandidateFetch, "visual", "fetch", "execute request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, scanerr.Wrap(scanerr.ErrCandidateFetch, "visual", "fetch", fmt.Sprintf("status %d", resp.StatusCode), nil)
	}

	img, err := imaging.Decode(io.LimitReader(resp.Body, maxImageBytes), imaging.AutoOrientation(true))
	if err != nil {
		return nil, scanerr.Wrap(scanerr.ErrCandidateFetch, "visual", "fetch", "decode image", err)
	}
	if f.maxDimension > 0 {
		b := img.Bounds()
		if b.Dx() > f.maxDimension || b.Dy() > f.maxDimension {
			img = imaging.Fit(img, f.maxDimension, f.maxDimension, imaging.Lanczos)
		}
	}
	return img, nil
}
