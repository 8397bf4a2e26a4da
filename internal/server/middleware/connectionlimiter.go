package middleware

import (
	"log/slog"
	"net/http"

	"github.com/a-essam23/livepoll/pkg/config"
)

type ConnectionCounter func(ip string) int
type ConnectionCycler func(ip string)

// NewConnectionLimiter caps concurrent connections per client IP. In cycle
// mode the oldest connection from that IP is closed to make room.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter ConnectionCounter,
	cycler ConnectionCycler,
	limits config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limits.MaxPerIP <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			count := counter(reqMeta.IP)
			if count < limits.MaxPerIP {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("Connection limit reached", slog.String("ip", reqMeta.IP), slog.Int("count", count))
			switch limits.Mode {
			case config.LimitModeReject:
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
				return
			case config.LimitModeCycle:
				cycler(reqMeta.IP)
				next.ServeHTTP(w, r)
			default:
				logger.Error("Invalid connection limit mode configured", slog.String("mode", limits.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

		})
	}
}
