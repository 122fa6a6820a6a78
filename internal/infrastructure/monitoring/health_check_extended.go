package monitoring

import (
	"context"
	"fmt"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddRepositoryCheck loads the session layout as a probe.
func (h *HealthChecker) AddRepositoryCheck(repo ports.LayoutRepository, session string, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) (bool, error) {
		if _, err := repo.Load(ctx, session); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddOutputsCheck fails while any output is closed. Outputs that are
// reconnecting still count as ready.
func (h *HealthChecker) AddOutputsCheck(stats StatsFunc, timeout time.Duration) {
	h.AddCheck("outputs", func(ctx context.Context) (bool, error) {
		snapshot, err := stats(ctx)
		if err != nil {
			return false, err
		}
		for _, out := range snapshot.Outputs {
			if out.State == domain.StateClosed {
				return false, fmt.Errorf("output %s is closed", out.ID)
			}
		}
		return true, nil
	}, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}
