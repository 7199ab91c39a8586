package service

import (
	"encoding/json"
	"net/http"

	"breakout_bot/pkg/metrics"
)

func NewMux(state *State) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !state.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"ready":             state.Ready(),
			"connState":         string(state.ConnState()),
			"safeMode":          state.SafeMode(),
			"bufferUtilization": state.BufferUtilization(),
			"uptimeSec":         int64(state.Uptime().Seconds()),
			"lastCandleUnix": func() int64 {
				t := state.LastCandle()
				if t.IsZero() {
					return 0
				}
				return t.Unix()
			}(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.Handle("/metrics", metrics.Handler())

	// ручной выход из safe mode
	mux.HandleFunc("/admin/resume", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cleared := state.Resume(r.Context(), "http")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"cleared": cleared})
	})

	return mux
}
