package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// telemetryPaths are client telemetry endpoints the Claude client posts to
// its base URL. They are swallowed locally so they never leak upstream.
var telemetryPaths = []string{
	"/api/event",
	"/api/roll_outs",
	"/v1/rgstr",
	"/api/sentry",
}

// TelemetrySink answers telemetry posts with an empty success and passes
// everything else through.
func TelemetrySink(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range telemetryPaths {
				if strings.HasPrefix(r.URL.Path, prefix) {
					logger.Debug("swallowed client telemetry", "path", r.URL.Path)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusOK)
					w.Write([]byte(`{"success":true}`))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
