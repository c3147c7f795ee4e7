package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"math"
	"net/http"
	"time"

	"emcfan/internal/emc2305"
	"emcfan/internal/fancontrol"
)

// StatusSource provides the latest fan snapshot.
type StatusSource interface {
	Snapshot() fancontrol.Snapshot
}

// DutySetter routes a duty fraction to an output channel by identity.
type DutySetter interface {
	SetDuty(outputID string, fraction float64) error
}

type StatusResponse struct {
	Service string `json:"service"`
	NowUTC  string `json:"now_utc"`
	fancontrol.Snapshot
}

type dutyRequest struct {
	Duty *float64 `json:"duty"`
}

type dutyResponse struct {
	OK     bool    `json:"ok"`
	Output string  `json:"output"`
	Duty   float64 `json:"duty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func Handler(status StatusSource, duty DutySetter, logs *LogBuffer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, StatusResponse{
			Service:  "emcfand",
			NowUTC:   time.Now().UTC().Format(time.RFC3339Nano),
			Snapshot: status.Snapshot(),
		})
	})

	mux.HandleFunc("/api/outputs/{id}/duty", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if duty == nil {
			http.Error(w, "outputs unavailable", http.StatusNotFound)
			return
		}
		id := r.PathValue("id")

		var req dutyRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Duty == nil {
			http.Error(w, "duty is required", http.StatusBadRequest)
			return
		}

		if err := duty.SetDuty(id, *req.Duty); err != nil {
			switch {
			case errors.Is(err, fancontrol.ErrUnknownOutput):
				http.Error(w, err.Error(), http.StatusNotFound)
			case errors.Is(err, emc2305.ErrDutyOutOfRange):
				http.Error(w, err.Error(), http.StatusBadRequest)
			case errors.Is(err, emc2305.ErrCommunication):
				http.Error(w, err.Error(), http.StatusBadGateway)
			default:
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		// Echo what the driver stores: fractions within the accepted slack are clamped.
		writeJSON(w, http.StatusOK, dutyResponse{OK: true, Output: id, Duty: math.Min(1, math.Max(0, *req.Duty))})
	})

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		snap := status.Snapshot()
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>emcfand</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>EMC2305 @ 0x%02X</h1><p>See <a href=\"/api/status\">/api/status</a>.</p><pre>", snap.Address)
		for _, ch := range snap.Channels {
			_, _ = fmt.Fprintf(w, "fan%d %-12s %-6s rpm=%.0f duty=%.0f%% stalled=%t\n",
				ch.Index, html.EscapeString(ch.Name), ch.Mode, ch.RPM, ch.Duty*100, ch.Stalled)
		}
		_, _ = fmt.Fprintf(w, "</pre></body></html>")
	})

	return mux
}

func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
