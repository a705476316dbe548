package main

import (
	"time"

	"github.com/matst80/peek/internal/hub"
)

// Stats represents current proxy stats for the dashboard & state API.
type Stats struct {
	Upstream      string `json:"upstream"`
	Clients       int    `json:"clients"`
	FramesRelayed int64  `json:"frames_relayed"`
	BytesRelayed  int64  `json:"bytes_relayed"`
	FramesDropped uint64 `json:"frames_dropped"`
	Reconnects    int64  `json:"reconnects"`
	LastFrame     string `json:"last_frame,omitempty"`
	Now           string `json:"now"`
}

func collectStats(s StatusStore, h *hub.Hub) Stats {
	snap := s.getStats()
	st := Stats{
		Upstream:      snap.UpstreamState,
		Clients:       snap.Clients,
		FramesRelayed: snap.FramesRelayed,
		BytesRelayed:  snap.BytesRelayed,
		Reconnects:    snap.Reconnects,
		Now:           time.Now().UTC().Format(time.RFC3339),
	}
	if !snap.LastFrame.IsZero() {
		st.LastFrame = snap.LastFrame.UTC().Format(time.RFC3339)
	}
	if h != nil {
		st.FramesDropped = h.Dropped()
	}
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Upstream":   s.Upstream,
		"Clients":    s.Clients,
		"Frames":     s.FramesRelayed,
		"Bytes":      s.BytesRelayed,
		"Dropped":    s.FramesDropped,
		"Reconnects": s.Reconnects,
		"LastFrame":  s.LastFrame,
	}
}
