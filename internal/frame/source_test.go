package frame

import (
	"context"
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/clalos/cardscan/internal/logging"
	"github.com/clalos/cardscan/internal/scanerr"
)

func testImage(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 30, B: 10, A: 255})
		}
	}
	return img
}

func TestStillSourceReadsClones(t *testing.T) {
	ctx := context.Background()
	src := NewImageSource(testImage(64, 48))

	if _, err := src.Read(ctx); err == nil {
		t.Fatal("expected Read before Open to fail")
	}
	if err := src.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if err := src.Open(ctx); !errors.Is(err, scanerr.ErrCameraAccess) {
		t.Fatalf("expected second Open to fail with camera access error, got %v", err)
	}

	first, err := src.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	second, err := src.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	if first.Width() != 64 || first.Height() != 48 {
		t.Fatalf("unexpected dimensions %dx%d", first.Width(), first.Height())
	}
	if first.Index != 1 || second.Index != 2 {
		t.Fatalf("expected increasing indices, got %d and %d", first.Index, second.Index)
	}
	// OpenCV order is BGR.
	pixel := first.Image.GetVecbAt(0, 0)
	if pixel[0] != 10 || pixel[2] != 200 {
		t.Fatalf("expected BGR pixel order, got %v", pixel)
	}
}

func TestStillSourceMissingFile(t *testing.T) {
	src := NewStillSource(filepath.Join(t.TempDir(), "missing.png"))
	err := src.Open(context.Background())
	if !errors.Is(err, scanerr.ErrCameraAccess) {
		t.Fatalf("expected camera access error, got %v", err)
	}
}

func TestCameraLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	opts := CameraOptions{Device: "/dev/video-test 0", LockDir: dir}
	first := NewCameraSource(opts, logging.Discard())
	second := NewCameraSource(opts, logging.Discard())

	if err := first.acquireLock(); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	err := second.acquireLock()
	if !errors.Is(err, scanerr.ErrCameraAccess) {
		t.Fatalf("expected second lock to fail with camera access error, got %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := second.acquireLock(); err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	second.releaseLock()

	if got := filepath.Base(first.lockPath()); got != "cardscan-camera-_dev_video-test_0.lock" {
		t.Fatalf("unexpected lock file name %q", got)
	}
}

func TestCameraReadWithoutOpen(t *testing.T) {
	src := NewCameraSource(CameraOptions{Device: "0", LockDir: t.TempDir()}, logging.Discard())
	_, err := src.Read(context.Background())
	if !errors.Is(err, errNotConnected) {
		t.Fatalf("expected not connected error, got %v", err)
	}
	if stats := src.Stats(); stats.FramesRead != 0 || !stats.LastFrame.IsZero() {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
