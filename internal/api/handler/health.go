package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kiranshivaraju/corpusflow/internal/api/response"
)

const healthTimeout = 5 * time.Second

// Pinger is anything that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck names one dependency. A failing critical check turns the
// response into 503; other failures only mark the service degraded.
type HealthCheck struct {
	Name     string
	Pinger   Pinger
	Critical bool
}

// NewHealthHandler runs every check concurrently.
func NewHealthHandler(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		var (
			mu       sync.Mutex
			wg       sync.WaitGroup
			results  = make(map[string]string, len(checks))
			critical bool
			degraded bool
		)
		for _, c := range checks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := c.Pinger.Ping(ctx)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					results[c.Name] = "ok"
					return
				}
				slog.Warn("health check failed", "check", c.Name, "error", err)
				results[c.Name] = "degraded"
				degraded = true
				critical = critical || c.Critical
			}()
		}
		wg.Wait()

		if critical {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", results)
			return
		}
		status := "ok"
		if degraded {
			status = "degraded"
		}
		response.JSON(w, map[string]any{
			"status":   status,
			"services": results,
		})
	}
}

func writeLog(r *http.Request, msg string, err error) {
	slog.Warn(msg, "method", r.Method, "path", r.URL.Path, "error", err)
}
