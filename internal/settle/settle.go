// Package settle implements the quiescence ("network-idle") detector:
// waitForSettled resolves once no non-streaming request has been in flight
// for a quiet window, or at a hard deadline, whichever comes first. Unlike
// the teacher's WaitNetworkIdle (internal/browser/session.go), which polled
// chromedp.Run in a loop, this is fully event-driven off the driver's
// DebugChannel.On feed - grounded on the same inflight-bookkeeping shape the
// teacher's harvester.go used for its inflightRequests map, generalized
// into its own reusable detector.
package settle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/livoras/pageflow/internal/driver"
)

const (
	defaultQuietWindow = 500 * time.Millisecond
	stallSweepTick     = 500 * time.Millisecond
	stallAge           = 2 * time.Second
	defaultHardDeadline = 30 * time.Second
)

type requestMeta struct {
	url       string
	startTime time.Time
}

// Detector tracks one page's in-flight requests and lets any number of
// callers independently await quiescence. A single event subscription is
// shared across all waiters, per spec.md §4.4's concurrency note.
type Detector struct {
	logger *zap.Logger

	quietWindow  time.Duration
	hardDeadline time.Duration

	mu         sync.Mutex
	inflight   map[string]struct{}
	meta       map[string]requestMeta
	docByFrame map[string]string

	quietTimer *time.Timer
	waiters    []chan struct{}

	unsubscribe func()
	sweepDone   chan struct{}
	closeOnce   sync.Once
}

// New attaches a Detector to the given debug channel and starts its stall
// sweep. quietWindow/hardDeadline tune the two clocks per spec.md §6's
// SETTLE_QUIET_MS/SETTLE_HARD_DEADLINE_MS env vars; <= 0 falls back to the
// spec's hardcoded defaults. Call Close when the page is torn down.
func New(debug driver.DebugChannel, logger *zap.Logger, quietWindow, hardDeadline time.Duration) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if quietWindow <= 0 {
		quietWindow = defaultQuietWindow
	}
	if hardDeadline <= 0 {
		hardDeadline = defaultHardDeadline
	}
	d := &Detector{
		logger:       logger.Named("settle"),
		quietWindow:  quietWindow,
		hardDeadline: hardDeadline,
		inflight:     make(map[string]struct{}),
		meta:         make(map[string]requestMeta),
		docByFrame:   make(map[string]string),
		sweepDone:    make(chan struct{}),
	}
	d.unsubscribe = debug.On(d.handle)
	go d.sweepLoop()
	return d
}

func (d *Detector) handle(ev driver.FrameEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch ev.Kind {
	case "requestWillBeSent":
		if ev.ResourceType == "WebSocket" || ev.ResourceType == "EventSource" {
			return
		}
		d.inflight[ev.RequestID] = struct{}{}
		d.meta[ev.RequestID] = requestMeta{url: ev.URL, startTime: time.Now()}
		if ev.ResourceType == "Document" && ev.FrameID != "" {
			d.docByFrame[ev.FrameID] = ev.RequestID
		}
		d.cancelQuietTimerLocked()
	case "loadingFinished", "loadingFailed", "servedFromCache":
		d.completeLocked(ev.RequestID)
	case "responseReceived":
		if hasDataScheme(ev.URL) {
			d.completeLocked(ev.RequestID)
		}
	case "frameStoppedLoading":
		if reqID, ok := d.docByFrame[ev.FrameID]; ok {
			d.completeLocked(reqID)
		}
	}
}

func hasDataScheme(url string) bool {
	return len(url) >= 5 && url[:5] == "data:"
}

// completeLocked must be called with d.mu held.
func (d *Detector) completeLocked(requestID string) {
	delete(d.inflight, requestID)
	delete(d.meta, requestID)
	for frameID, id := range d.docByFrame {
		if id == requestID {
			delete(d.docByFrame, frameID)
		}
	}
	d.maybeStartQuietTimerLocked()
}

// maybeStartQuietTimerLocked arms the quiet timer once inflight drains to
// zero. Must be called with d.mu held.
func (d *Detector) maybeStartQuietTimerLocked() {
	if len(d.inflight) != 0 || d.quietTimer != nil {
		return
	}
	d.quietTimer = time.AfterFunc(d.quietWindow, d.fireQuiet)
}

func (d *Detector) cancelQuietTimerLocked() {
	if d.quietTimer != nil {
		d.quietTimer.Stop()
		d.quietTimer = nil
	}
}

func (d *Detector) fireQuiet() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quietTimer = nil
	d.resolveLocked()
}

// resolveLocked wakes every current waiter. Must be called with d.mu held.
func (d *Detector) resolveLocked() {
	for _, ch := range d.waiters {
		close(ch)
	}
	d.waiters = nil
}

func (d *Detector) sweepLoop() {
	ticker := time.NewTicker(stallSweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-d.sweepDone:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Detector) sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for id, m := range d.meta {
		if now.Sub(m.startTime) >= stallAge {
			d.logger.Warn("dropping stalled request", zap.String("requestId", id), zap.String("url", m.url))
			delete(d.inflight, id)
			delete(d.meta, id)
			for frameID, fid := range d.docByFrame {
				if fid == id {
					delete(d.docByFrame, frameID)
				}
			}
		}
	}
	d.maybeStartQuietTimerLocked()
}

// WaitForSettled blocks until quiescence, the hard deadline elapses, or ctx
// is canceled. timeout <= 0 uses the detector's configured hard deadline.
func (d *Detector) WaitForSettled(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = d.hardDeadline
	}

	d.mu.Lock()
	ch := make(chan struct{})
	d.waiters = append(d.waiters, ch)
	alreadyQuiet := len(d.inflight) == 0 && d.quietTimer == nil
	d.mu.Unlock()

	if alreadyQuiet {
		// No inflight requests and no timer running means either we
		// are already settled, or a request is about to land; arm the
		// quiet timer so this waiter still gets the proper debounce.
		d.mu.Lock()
		d.maybeStartQuietTimerLocked()
		d.mu.Unlock()
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-ch:
		return nil
	case <-deadline.C:
		// Each waiter's hard deadline is its own independent guard (spec.md
		// §4.4): only this waiter's channel resolves here, not the others -
		// a short-timeout caller must never wake a longer-timeout caller
		// early. If quiescence already resolved everyone concurrently, ch
		// is no longer in d.waiters and is left alone (already closed).
		d.mu.Lock()
		pending := len(d.inflight)
		stillWaiting := false
		for i, w := range d.waiters {
			if w == ch {
				d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
				stillWaiting = true
				break
			}
		}
		d.mu.Unlock()
		if stillWaiting {
			close(ch)
		}
		if pending > 0 {
			d.logger.Warn("settle hard deadline reached with requests still inflight", zap.Int("count", pending))
		}
		return nil
	case <-ctx.Done():
		d.mu.Lock()
		// Remove this waiter from the slice without resolving others.
		for i, w := range d.waiters {
			if w == ch {
				d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
				break
			}
		}
		d.mu.Unlock()
		return ctx.Err()
	}
}

// Close detaches the event subscription and stops the stall sweep.
func (d *Detector) Close() {
	d.closeOnce.Do(func() {
		if d.unsubscribe != nil {
			d.unsubscribe()
		}
		close(d.sweepDone)
		d.mu.Lock()
		d.cancelQuietTimerLocked()
		d.resolveLocked()
		d.mu.Unlock()
	})
}
