package middleware

import (
	"log/slog"
	"net/http"

	"github.com/BekaChkhiro/Planflow-sub003/pkg/config"
)

// ConnectionCounter reports the number of live connections process-wide.
type ConnectionCounter func() int

// NewConnectionLimiter rejects upgrades once the total connection count
// reaches the configured cap. A cap of zero disables the limiter.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter ConnectionCounter,
	config config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.MaxTotal <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			count := counter()
			if count < config.MaxTotal {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("Connection limit reached, rejecting upgrade",
				slog.Int("count", count),
				slog.Int("max", config.MaxTotal),
			)
			http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
		})
	}
}
