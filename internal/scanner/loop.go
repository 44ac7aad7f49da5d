package scanner

import (
	"context"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/nbf-stay/smartqr-api/pkg/errors"
)

// FrameSource abstracts the camera device. Open surfaces permission and
// device failures; Frame blocks for the next sample.
type FrameSource interface {
	Open(ctx context.Context) error
	Frame(ctx context.Context) (image.Image, error)
	Close() error
}

// Decoder attempts to read a QR payload from a single frame. A miss is
// ok == false and is not an error; misses are expected on most frames.
type Decoder interface {
	Decode(frame image.Image) (payload string, ok bool)
}

// LoopConfig tunes the sampling loop.
type LoopConfig struct {
	Interval time.Duration
	Logger   *zap.Logger
}

// Loop samples frames at a fixed rate and forwards the first decoded
// payload to the completion callback, then stops sampling. It does not
// restart on its own: after a decode or a Stop, starting again is an
// explicit caller action.
type Loop struct {
	source   FrameSource
	decoder  Decoder
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewLoop builds a sampling loop over the given source and decoder.
func NewLoop(source FrameSource, decoder Decoder, cfg LoopConfig) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Loop{
		source:   source,
		decoder:  decoder,
		interval: cfg.Interval,
		logger:   cfg.Logger,
	}
}

// Start opens the camera and begins sampling. Calling Start while running
// is a no-op. Camera acquisition failures are surfaced as
// CAMERA_UNAVAILABLE; individual decode misses never are.
func (l *Loop) Start(ctx context.Context, onDecode func(payload string)) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}

	if err := l.source.Open(ctx); err != nil {
		l.mu.Unlock()
		return appErrors.Wrap(err, appErrors.ErrCameraUnavailable.Code, appErrors.ErrCameraUnavailable.Status, "failed to acquire camera")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.started = true
	l.wg.Add(1)
	l.mu.Unlock()

	go l.run(loopCtx, onDecode)
	return nil
}

// Stop halts sampling and releases the camera. It is safe to call before
// Start and repeatedly; no frame is processed after Stop returns.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.cancel()
	l.started = false
	l.mu.Unlock()

	l.wg.Wait()
	if err := l.source.Close(); err != nil {
		l.logger.Sugar().Warnw("camera close failed", "error", err)
	}
}

func (l *Loop) run(ctx context.Context, onDecode func(payload string)) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := l.source.Frame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Sugar().Debugw("frame acquisition failed", "error", err)
			continue
		}

		payload, ok := l.decoder.Decode(frame)
		if !ok {
			continue
		}

		// First decode wins: cancel sampling before handing off so the
		// callback never races a second frame. The camera itself stays
		// owned until the caller invokes Stop.
		l.mu.Lock()
		l.cancel()
		l.mu.Unlock()

		onDecode(payload)
		return
	}
}
