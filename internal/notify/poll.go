package notify

import (
	"context"
	"time"

	"github.com/lalith-99/lazerchat/internal/clock"
	"go.uber.org/zap"
)

// Poll force-refreshes the snapshot while connected reports false. It is the
// fallback for a degraded realtime connection and returns when ctx is done.
//
// How it works:
//
//	The next tick is armed on clk only after the previous one has been
//	handled, so a slow refresh never queues up a burst of polls behind it.
//	While connected reports true a tick does nothing but re-arm.
func (e *Engine) Poll(ctx context.Context, clk clock.Clock, interval time.Duration, connected func() bool) {
	tick := make(chan struct{}, 1)
	arm := func() clock.Timer {
		return clk.AfterFunc(interval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}

	timer := arm()
	defer func() { timer.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if !connected() {
				if err := e.Refresh(ctx, true); err != nil && ctx.Err() == nil {
					e.logger.Warn("notification poll failed", zap.Error(err))
				}
			}
			timer = arm()
		}
	}
}
