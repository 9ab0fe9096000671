package api

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// endpointLimiters paces calls per endpoint+model key. The generation model
// and the toxicity rewrite model share a budget when they share a key.
type endpointLimiters struct {
	mu     sync.Mutex
	byKey  map[string]*paced
	logger *slog.Logger
}

type paced struct {
	*rate.Limiter
	rpm int
}

func newEndpointLimiters(logger *slog.Logger) *endpointLimiters {
	return &endpointLimiters{byKey: make(map[string]*paced), logger: logger}
}

// forKey returns the limiter for key. The first caller fixes the rate; a
// zero or negative rpm means unpaced.
func (l *endpointLimiters) forKey(key string, rpm int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.byKey[key]; ok {
		if p.rpm != rpm {
			l.logger.Warn("Endpoint already paced at a different rate",
				"endpoint", key, "rpm", p.rpm, "ignored_rpm", rpm)
		}
		return p.Limiter
	}

	limit, burst := rate.Inf, 1
	if rpm > 0 {
		limit = rate.Limit(float64(rpm) / 60.0)
		burst = max(1, rpm/10)
	}
	p := &paced{Limiter: rate.NewLimiter(limit, burst), rpm: rpm}
	l.byKey[key] = p
	l.logger.Debug("Pacing endpoint", "endpoint", key, "rpm", rpm, "burst", burst)
	return p.Limiter
}

// wait blocks until key may issue another call or ctx ends
func (l *endpointLimiters) wait(ctx context.Context, key string, rpm int) error {
	return l.forKey(key, rpm).Wait(ctx)
}
