package observ

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lazerchat_frames_received_total",
		Help: "Total inbound realtime frames.",
	})
	FramesMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lazerchat_frames_malformed_total",
		Help: "Inbound frames that could not be parsed.",
	})
	RecordsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lazerchat_records_skipped_total",
		Help: "Unreadable chat records skipped inside otherwise valid frames.",
	})
	SelfOriginDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lazerchat_self_origin_dropped_total",
		Help: "Records dropped because the current user originated them.",
	})
	Dispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lazerchat_dispatched_total",
		Help: "Records delivered to listeners, by stream.",
	}, []string{"stream"})
	Buffered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lazerchat_replay_buffered_total",
		Help: "Records parked in the replay buffer for lack of listeners, by stream.",
	}, []string{"stream"})

	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lazerchat_connection_state",
		Help: "Transport state (0 disconnected, 1 connecting, 2 connected, 3 reconnect wait).",
	})
	ReconnectsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lazerchat_reconnects_scheduled_total",
		Help: "Reconnect timers armed after an unprompted close.",
	})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lazerchat_cache_lookups_total",
		Help: "Request cache lookups by resource and result (hit, miss, shared).",
	}, []string{"resource", "result"})

	UnreadTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lazerchat_unread_total",
		Help: "Current total unread notification count.",
	})

	ReceiptFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lazerchat_read_receipt_flushes_total",
		Help: "Per-channel mark-read calls issued by the batcher, by result.",
	}, []string{"result"})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call twice.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			FramesReceived, FramesMalformed, RecordsSkipped, SelfOriginDropped,
			Dispatched, Buffered,
			ConnectionState, ReconnectsScheduled,
			CacheLookups,
			UnreadTotal,
			ReceiptFlushes,
		)
	})
}
