package health

import (
	"context"
	"time"

	"github.com/mbd888/rift/internal/gateway"
)

// DefaultCheckTimeout bounds a single checker.
const DefaultCheckTimeout = 3 * time.Second

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// BalanceReader is the slice of the gateway a reachability check needs.
type BalanceReader interface {
	RetrieveBalance(ctx context.Context) (*gateway.Balance, error)
}

// Database reports whether db answers a ping.
func Database(db Pinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, DefaultCheckTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Gateway reports whether the payment gateway's balance endpoint is
// reachable. Releases fail closed when it is not.
func Gateway(gw BalanceReader) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, DefaultCheckTimeout)
		defer cancel()
		if _, err := gw.RetrieveBalance(ctx); err != nil {
			return Status{Name: "gateway", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "gateway", Healthy: true}
	}
}
