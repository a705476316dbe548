package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/matst80/peek/internal/hub"
	"github.com/matst80/peek/internal/obs"
	"github.com/matst80/peek/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// startStatusServer serves Prometheus metrics plus a lightweight dashboard,
// state API, snapshot and MJPEG preview. h is nil in RTSP mode, where only
// metrics and health remain.
func startStatusServer(addr string, status StatusStore, h *hub.Hub) {
	mux := http.NewServeMux()
	mux.Handle("/peek/metrics", promhttp.Handler())
	mux.HandleFunc("/peek/api/state", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(status, h)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/peek/dashboard", func(w http.ResponseWriter, r *http.Request) {
		st := collectStats(status, h)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", st.ToTemplateMap()); err != nil {
			w.WriteHeader(http.StatusNotImplemented)
			_, _ = w.Write([]byte("dashboard template missing"))
			return
		}
	})
	if h != nil {
		mux.HandleFunc("/peek/snapshot.jpg", func(w http.ResponseWriter, r *http.Request) {
			f := h.Latest()
			if f == nil {
				http.Error(w, "no frame yet", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "image/jpeg")
			w.Header().Set("Content-Length", fmt.Sprint(len(f.Payload)))
			_, _ = w.Write(f.Payload)
		})
		mux.HandleFunc("/peek/preview.mjpeg", func(w http.ResponseWriter, r *http.Request) {
			serveMJPEG(w, r, h)
		})
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if status.isClosing() || !status.isReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("status.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}

// serveMJPEG streams frames to a browser as multipart JPEG. The handler is an
// ordinary hub client: same ordering, same drop-oldest backpressure.
func serveMJPEG(w http.ResponseWriter, r *http.Request, h *hub.Hub) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	client := h.Register()
	defer h.Deregister(client.ID())

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-store")
	for {
		select {
		case f, open := <-client.Frames():
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(f.Payload)); err != nil {
				return
			}
			if _, err := w.Write(f.Payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
