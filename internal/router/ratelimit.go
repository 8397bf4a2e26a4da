package router

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Rate is a fixed-window limit: at most Limit requests per Window.
type Rate struct {
	Limit  int
	Window time.Duration
}

// ParseRate parses the "N/unit" form, where unit is s, m or h (e.g. "10/m").
func ParseRate(s string) (Rate, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return Rate{}, fmt.Errorf("invalid rate limit format: %q", s)
	}

	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return Rate{}, fmt.Errorf("invalid rate limit count: %q", parts[0])
	}

	var window time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		window = time.Second
	case "m":
		window = time.Minute
	case "h":
		window = time.Hour
	default:
		return Rate{}, fmt.Errorf("invalid rate limit duration unit: %q", parts[1])
	}
	return Rate{Limit: limit, Window: window}, nil
}

// ParseRates compiles configured limits keyed by event name or alias into
// limits keyed by canonical event name.
func ParseRates(registry *Registry, raw map[string]string) (map[string]Rate, error) {
	rates := make(map[string]Rate, len(raw))
	for event, spec := range raw {
		canonical, ok := registry.Resolve(event)
		if !ok {
			return nil, fmt.Errorf("rate limit configured for unknown event %q", event)
		}
		rate, err := ParseRate(spec)
		if err != nil {
			return nil, fmt.Errorf("event %q: %w", event, err)
		}
		rates[canonical] = rate
	}
	return rates, nil
}

type limitKey struct {
	connID uuid.UUID
	event  string
}

type window struct {
	start    time.Time
	requests int
}

// RateLimiter counts requests per connection and event in fixed windows.
type RateLimiter struct {
	logger *slog.Logger
	rates  map[string]Rate

	mu      sync.Mutex
	windows map[limitKey]*window
	now     func() time.Time
}

func NewRateLimiter(logger *slog.Logger, rates map[string]Rate) *RateLimiter {
	return &RateLimiter{
		logger:  logger.With(slog.String("component", "rate_limiter")),
		rates:   rates,
		windows: make(map[limitKey]*window),
		now:     time.Now,
	}
}

// Allow records one request and reports whether it fits the event's limit.
// Events without a configured limit are always allowed.
func (l *RateLimiter) Allow(connID uuid.UUID, event string) bool {
	rate, limited := l.rates[event]
	if !limited {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := limitKey{connID: connID, event: event}
	now := l.now()
	w, found := l.windows[key]
	if !found || now.Sub(w.start) >= rate.Window {
		// first request in a fresh window
		l.windows[key] = &window{start: now, requests: 1}
		return true
	}
	if w.requests < rate.Limit {
		w.requests++
		return true
	}
	l.logger.Debug("Rate limit exceeded", slog.String("connID", connID.String()), slog.String("event", event))
	return false
}

// Forget drops every window held for connID.
func (l *RateLimiter) Forget(connID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.windows {
		if key.connID == connID {
			delete(l.windows, key)
		}
	}
}
