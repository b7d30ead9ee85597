// Package receipt coalesces "message N in channel C was seen" signals into
// few, monotonic mark-as-read calls.
//
// Per channel the batcher tracks the highest id confirmed by the server, the
// id currently being sent, and the highest id waiting for the next flush. A
// signal at or below any of them is dropped, so the server never sees a
// mark-read call lower than one it already confirmed.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lalith-99/lazerchat/internal/clock"
	"github.com/lalith-99/lazerchat/internal/observ"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Marker issues the per-channel mark-as-read call.
type Marker interface {
	MarkRead(ctx context.Context, channelID, messageID int64) error
}

// ReadState receives confirmed high-water marks.
type ReadState interface {
	UpdateReadState(channelID, messageID int64)
}

// ObjectClearer marks the notifications about an object read.
type ObjectClearer interface {
	RemoveByObject(ctx context.Context, objectID, objectType string) (int, error)
}

type Options struct {
	// Window is the debounce delay between the first pending signal and
	// the flush.
	Window time.Duration
	// MaxRetries bounds how many consecutive failed flushes of one channel
	// are re-queued. After that the entry is dropped until the next signal.
	MaxRetries   int
	FlushTimeout time.Duration

	ReadState     ReadState
	Notifications ObjectClearer
	Clock         clock.Clock
	Logger        *zap.Logger
}

type Batcher struct {
	marker Marker
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	pending   map[int64]int64
	inflight  map[int64]int64
	confirmed map[int64]int64
	failures  map[int64]int
	timer     clock.Timer
	closed    bool
}

func New(marker Marker, opts Options) *Batcher {
	if opts.Window <= 0 {
		opts.Window = 1500 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real
	}
	return &Batcher{
		marker:    marker,
		opts:      opts,
		logger:    observ.Component(opts.Logger, "receipt"),
		pending:   make(map[int64]int64),
		inflight:  make(map[int64]int64),
		confirmed: make(map[int64]int64),
		failures:  make(map[int64]int),
	}
}

// MarkSeen records that messageID in channelID was seen. It reports whether
// the signal raised the pending mark.
func (b *Batcher) MarkSeen(channelID, messageID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || messageID <= 0 {
		return false
	}
	if messageID <= b.confirmed[channelID] ||
		messageID <= b.inflight[channelID] ||
		messageID <= b.pending[channelID] {
		return false
	}
	b.pending[channelID] = messageID
	b.armLocked()
	return true
}

// Seed records a server-side high-water mark learned elsewhere, e.g. from the
// channel list, without issuing a call.
func (b *Batcher) Seed(channelID, messageID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if messageID > b.confirmed[channelID] {
		b.confirmed[channelID] = messageID
	}
	if p, ok := b.pending[channelID]; ok && p <= messageID {
		delete(b.pending, channelID)
	}
}

// Confirmed returns the confirmed high-water mark for channelID.
func (b *Batcher) Confirmed(channelID int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.confirmed[channelID]
}

// Pending returns the number of channels waiting for a flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher) armLocked() {
	if b.timer != nil || b.closed || len(b.pending) == 0 {
		return
	}
	b.timer = b.opts.Clock.AfterFunc(b.opts.Window, b.flushFromTimer)
}

func (b *Batcher) flushFromTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.FlushTimeout)
	defer cancel()
	if err := b.Flush(ctx); err != nil {
		b.logger.Warn("read receipt flush had failures", zap.Error(err))
	}
}

// Flush sends every pending mark now, one call per channel, all in
// parallel. A failure on one channel does not affect the others. The
// returned error joins the per-channel failures.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := make(map[int64]int64, len(b.pending))
	for ch, id := range b.pending {
		if _, busy := b.inflight[ch]; busy {
			continue
		}
		delete(b.pending, ch)
		if id <= b.confirmed[ch] {
			continue
		}
		batch[ch] = id
		b.inflight[ch] = id
	}
	// Channels still busy from an earlier flush go out in the next window.
	b.armLocked()
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		emu  sync.Mutex
		errs []error
	)
	for ch, id := range batch {
		ch, id := ch, id
		g.Go(func() error {
			if err := b.send(ctx, ch, id); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (b *Batcher) send(ctx context.Context, channelID, messageID int64) error {
	err := b.marker.MarkRead(ctx, channelID, messageID)

	b.mu.Lock()
	delete(b.inflight, channelID)
	if err != nil {
		b.failures[channelID]++
		attempt := b.failures[channelID]
		requeue := attempt <= b.opts.MaxRetries
		if requeue && messageID > b.pending[channelID] {
			b.pending[channelID] = messageID
		}
		if !requeue {
			delete(b.failures, channelID)
		}
		b.armLocked()
		b.mu.Unlock()

		observ.ReceiptFlushes.WithLabelValues("error").Inc()
		if requeue {
			b.logger.Warn("mark read failed, will retry",
				zap.Int64("channel_id", channelID), zap.Int64("message_id", messageID),
				zap.Int("attempt", attempt), zap.Error(err))
		} else {
			b.logger.Warn("mark read failed, giving up until the next signal",
				zap.Int64("channel_id", channelID), zap.Int64("message_id", messageID), zap.Error(err))
		}
		return fmt.Errorf("mark channel %d read up to %d: %w", channelID, messageID, err)
	}

	if messageID > b.confirmed[channelID] {
		b.confirmed[channelID] = messageID
	}
	delete(b.failures, channelID)
	b.armLocked()
	b.mu.Unlock()

	observ.ReceiptFlushes.WithLabelValues("ok").Inc()
	if b.opts.ReadState != nil {
		b.opts.ReadState.UpdateReadState(channelID, messageID)
	}
	if b.opts.Notifications != nil {
		if _, err := b.opts.Notifications.RemoveByObject(ctx, strconv.FormatInt(channelID, 10), "channel"); err != nil {
			b.logger.Debug("clearing channel notifications failed", zap.Int64("channel_id", channelID), zap.Error(err))
		}
	}
	return nil
}

// Close cancels the pending flush. Signals after Close are ignored; call
// Flush first to send what is queued.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
