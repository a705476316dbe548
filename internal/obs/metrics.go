package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveClients      = promauto.NewGauge(prometheus.GaugeOpts{Name: "peek_active_clients", Help: "Currently authenticated downstream clients"})
	UpstreamStreaming  = promauto.NewGauge(prometheus.GaugeOpts{Name: "peek_upstream_streaming", Help: "1 while the upstream printer session is streaming frames"})
	FramesRelayedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "peek_frames_relayed_total", Help: "Frames decoded from the printer and published to the hub"})
	FramesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "peek_frames_dropped_total", Help: "Frames dropped for slow clients (drop-oldest backpressure)"})
	ReconnectsTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "peek_upstream_reconnects_total", Help: "Upstream reconnect attempts after stream loss"})
	AuthFailuresTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "peek_client_auth_failures_total", Help: "Downstream connections rejected during authentication"})
	ErrorsTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peek_errors_total", Help: "Errors by type"}, []string{"type"})
	FrameBytes         = promauto.NewHistogram(prometheus.HistogramOpts{Name: "peek_frame_bytes", Help: "Size of relayed frames in bytes", Buckets: prometheus.ExponentialBuckets(1024, 2, 12)})
)
