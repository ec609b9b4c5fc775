package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend now and then kills one backend whose application_name matches appName,
// so in-flight transactions of the services under test fail mid-way and must roll back cleanly.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, every time.Duration, stop <-chan struct{}) int {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	killed := 0
	for {
		select {
		case <-ctx.Done():
			return killed
		case <-stop:
			return killed
		case <-ticker.C:
			if rand.Intn(4) != 0 {
				continue
			}
			var n int
			err := pool.QueryRow(ctx, `
WITH victim AS (
    SELECT pid FROM pg_stat_activity
    WHERE datname = current_database()
      AND application_name = $1
      AND pid <> pg_backend_pid()
    ORDER BY random()
    LIMIT 1
)
SELECT COUNT(*) FROM victim WHERE pg_terminate_backend(pid)`, appName).Scan(&n)
			if err == nil {
				killed += n
			}
		}
	}
}
