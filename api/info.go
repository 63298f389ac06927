package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aionpay/relayer/log"
)

// stats returns the queue counters and in-flight execution snapshot.
func (a *API) stats(w http.ResponseWriter, _ *http.Request) {
	if a.queue == nil {
		ErrStorageUnavailable.Write(w)
		return
	}
	stats, err := a.queue.Stats()
	if err != nil {
		log.Errorw(err, "failed to collect queue stats")
		ErrGenericInternalServerError.Write(w)
		return
	}
	httpWriteJSON(w, stats)
}

// health reports liveness and uptime. It answers even in degraded mode so
// orchestrators can distinguish dead from degraded.
func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if a.storage == nil {
		status = "degraded"
	}
	httpWriteJSON(w, map[string]any{
		"status":    status,
		"uptime":    int64(time.Since(a.startTime).Seconds()),
		"timestamp": time.Now().UTC(),
	})
}

// setConcurrency adjusts the queue's concurrency cap.
func (a *API) setConcurrency(w http.ResponseWriter, r *http.Request) {
	if a.queue == nil {
		ErrStorageUnavailable.Write(w)
		return
	}
	req := struct {
		MaxConcurrent int `json:"maxConcurrent"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	if err := a.queue.SetMaxConcurrent(req.MaxConcurrent); err != nil {
		ErrInvalidConcurrency.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, map[string]any{
		"success":       true,
		"maxConcurrent": a.queue.MaxConcurrentSlots(),
	})
}
