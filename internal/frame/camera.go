package frame

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"gocv.io/x/gocv"

	"github.com/clalos/cardscan/internal/scanerr"
)

var (
	errNotConnected = errors.New("capture device not connected")
	errReadFailed   = errors.New("failed to read frame from device")
	errEmptyFrame   = errors.New("empty frame captured")
)

// CameraOptions configures a CameraSource.
type CameraOptions struct {
	// Device is a numeric device index or an OpenCV-readable URL.
	Device string
	Width  int
	Height int
	// LockDir holds the per-device ownership lock files.
	LockDir       string
	MaxReconnects int
}

// CameraStats is a point-in-time copy of the capture counters.
type CameraStats struct {
	FramesRead        int64
	ReadErrors        int64
	ReconnectAttempts int64
	LastFrame         time.Time
	Circuit           CircuitState
}

// CameraSource reads frames from a capture device. A source owns its device
// exclusively: a second Open on the same device, from this or another
// process, fails with scanerr.ErrCameraAccess until Close is called.
type CameraSource struct {
	opts   CameraOptions
	logger *slog.Logger

	// mu guards capture, buf and lock across Read, reconnect and Close.
	mu      sync.Mutex
	capture *gocv.VideoCapture
	buf     gocv.Mat
	lock    *flock.Flock

	breaker    *CircuitBreaker
	frameIndex atomic.Int64

	framesRead        atomic.Int64
	readErrors        atomic.Int64
	reconnectAttempts atomic.Int64
	lastFrameTime     atomic.Int64

	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewCameraSource returns an unopened source for the configured device.
func NewCameraSource(opts CameraOptions, logger *slog.Logger) *CameraSource {
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 10
	}
	if opts.LockDir == "" {
		opts.LockDir = os.TempDir()
	}
	logger = logger.With("component", "camera", "device", opts.Device)
	return &CameraSource{
		opts:      opts,
		logger:    logger,
		breaker:   NewCircuitBreaker(5, 10*time.Second, 3, logger),
		baseDelay: time.Second,
		maxDelay:  30 * time.Second,
	}
}

// Open acquires the device lock and opens the capture device.
func (c *CameraSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture != nil {
		return scanerr.Wrap(scanerr.ErrCameraAccess, "camera", "open", "device already open in this session", nil)
	}
	if err := c.acquireLock(); err != nil {
		return err
	}

	capture, err := c.openCapture()
	if err != nil {
		c.releaseLock()
		return scanerr.Wrap(scanerr.ErrCameraAccess, "camera", "open", c.opts.Device, err)
	}
	c.capture = capture
	c.buf = gocv.NewMat()
	c.breaker.Reset()

	c.logger.Info("camera opened",
		"width", capture.Get(gocv.VideoCaptureFrameWidth),
		"height", capture.Get(gocv.VideoCaptureFrameHeight))
	return nil
}

// Read captures one frame. The returned frame is a clone the caller owns.
// Repeated read failures open the circuit breaker and trigger a reconnect
// with exponential backoff; if reconnecting fails the error is marked
// scanerr.ErrCameraAccess.
func (c *CameraSource) Read(ctx context.Context) (Frame, error) {
	var img gocv.Mat
	err := c.breaker.Call(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.capture == nil {
			return errNotConnected
		}
		if !c.capture.Read(&c.buf) {
			c.readErrors.Add(1)
			return errReadFailed
		}
		if c.buf.Empty() {
			return errEmptyFrame
		}
		img = c.buf.Clone()
		return nil
	})

	if err != nil {
		state := c.breaker.State()
		c.logger.Warn("frame capture failed",
			"error", err,
			"circuit_state", state,
			"read_errors", c.readErrors.Load())

		if state == CircuitOpen && (errors.Is(err, errNotConnected) || errors.Is(err, errReadFailed)) {
			if !c.reconnect(ctx) {
				return Frame{}, scanerr.Wrap(scanerr.ErrCameraAccess, "camera", "reconnect", "device lost", err)
			}
			c.breaker.Reset()
		}
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}

	now := time.Now()
	c.framesRead.Add(1)
	c.lastFrameTime.Store(now.UnixNano())
	return Frame{
		Image:     img,
		Index:     c.frameIndex.Add(1),
		Timestamp: now,
	}, nil
}

// Close releases the capture device and the ownership lock. It is safe to call
// more than once.
func (c *CameraSource) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.capture != nil {
		if err := c.capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close video capture: %w", err))
		}
		c.capture = nil
		if err := c.buf.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close frame buffer: %w", err))
		}
		c.logger.Info("camera released")
	}
	c.releaseLock()
	return errors.Join(errs...)
}

// Stats returns the current capture counters.
func (c *CameraSource) Stats() CameraStats {
	stats := CameraStats{
		FramesRead:        c.framesRead.Load(),
		ReadErrors:        c.readErrors.Load(),
		ReconnectAttempts: c.reconnectAttempts.Load(),
		Circuit:           c.breaker.State(),
	}
	if nanos := c.lastFrameTime.Load(); nanos != 0 {
		stats.LastFrame = time.Unix(0, nanos)
	}
	return stats
}

func (c *CameraSource) openCapture() (*gocv.VideoCapture, error) {
	var device any = c.opts.Device
	if idx, err := strconv.Atoi(c.opts.Device); err == nil {
		device = idx
	}
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, err
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, errors.New("video capture is not opened")
	}
	if c.opts.Width > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(c.opts.Width))
	}
	if c.opts.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameHeight, float64(c.opts.Height))
	}
	return capture, nil
}

// reconnect reopens the device with exponential backoff and jitter. It holds
// mu for the whole attempt so Close waits for it.
func (c *CameraSource) reconnect(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lock == nil {
		// Closed while the read was failing.
		return false
	}
	if c.capture != nil {
		c.capture.Close()
		c.capture = nil
	}

	for attempt := 1; attempt <= c.opts.MaxReconnects; attempt++ {
		if ctx.Err() != nil {
			return false
		}

		c.reconnectAttempts.Add(1)
		c.logger.Info("attempting camera reconnection",
			"attempt", attempt,
			"max_attempts", c.opts.MaxReconnects)

		capture, err := c.openCapture()
		if err == nil {
			c.capture = capture
			c.logger.Info("camera reconnection successful",
				"attempt", attempt,
				"total_reconnect_attempts", c.reconnectAttempts.Load())
			return true
		}

		delay := backoffDelay(attempt, c.baseDelay, c.maxDelay)
		c.logger.Warn("camera reconnection failed, retrying",
			"attempt", attempt,
			"error", err,
			"retry_in", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
	}

	c.logger.Error("camera reconnection failed after all attempts", "max_attempts", c.opts.MaxReconnects)
	return false
}

// backoffDelay doubles base per attempt up to ceiling and adds up to 25% jitter.
func backoffDelay(attempt int, base, ceiling time.Duration) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > ceiling || delay <= 0 {
		delay = ceiling
	}
	if quarter := int64(delay / 4); quarter > 0 {
		delay += time.Duration(rand.Int64N(quarter))
	}
	return delay
}

var lockNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (c *CameraSource) lockPath() string {
	name := lockNameSanitizer.ReplaceAllString(c.opts.Device, "_")
	return filepath.Join(c.opts.LockDir, "cardscan-camera-"+name+".lock")
}

func (c *CameraSource) acquireLock() error {
	if c.lock != nil {
		return nil
	}
	if err := os.MkdirAll(c.opts.LockDir, 0o755); err != nil {
		return scanerr.Wrap(scanerr.ErrCameraAccess, "camera", "lock", "create lock directory", err)
	}
	lock := flock.New(c.lockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return scanerr.Wrap(scanerr.ErrCameraAccess, "camera", "lock", c.lockPath(), err)
	}
	if !ok {
		return scanerr.Wrap(scanerr.ErrCameraAccess, "camera", "lock", "device in use by another session", nil)
	}
	c.lock = lock
	return nil
}

func (c *CameraSource) releaseLock() {
	if c.lock == nil {
		return
	}
	if err := c.lock.Unlock(); err != nil {
		c.logger.Warn("failed to release camera lock", "error", err)
	}
	c.lock = nil
}
