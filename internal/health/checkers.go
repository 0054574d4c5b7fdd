package health

import (
	"context"
	"database/sql"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/freightpay/internal/providers"
)

// Database pings db.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Redis pings the shared idempotency store.
func Redis(client redis.UniversalClient) Checker {
	return func(ctx context.Context) Status {
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Name: "redis", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "redis", Healthy: true}
	}
}

// CircuitSource reports provider circuit states.
type CircuitSource interface {
	Statuses() []providers.ProviderStatus
}

// Circuits is healthy while at least one provider circuit is not open. The
// detail lists every provider's state.
func Circuits(src CircuitSource) Checker {
	return func(_ context.Context) Status {
		statuses := src.Statuses()
		parts := make([]string, 0, len(statuses))
		available := 0
		for _, ps := range statuses {
			parts = append(parts, string(ps.ID)+"="+ps.Circuit.State)
			if ps.Circuit.State != "open" {
				available++
			}
		}
		return Status{
			Name:    "providers",
			Healthy: len(statuses) == 0 || available > 0,
			Detail:  strings.Join(parts, ","),
		}
	}
}
