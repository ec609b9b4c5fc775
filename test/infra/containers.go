package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const defaultImage = "postgres:16-alpine"

// Database is where a stress run points its pool. Shared databases belong to someone else,
// so the run isolates itself in a throwaway schema instead of owning the whole database.
type Database struct {
	DSN    string
	Shared bool

	container *postgres.PostgresContainer
}

// Provision picks a database in order: overrideDSN, STRESS_TEST_PG_DSN, a testcontainers
// Postgres when docker answers, then a locally running server via InitLocalDatabase.
func Provision(ctx context.Context, overrideDSN string) (*Database, error) {
	if overrideDSN != "" {
		return &Database{DSN: overrideDSN, Shared: true}, nil
	}
	if dsn := os.Getenv("STRESS_TEST_PG_DSN"); dsn != "" {
		return &Database{DSN: dsn, Shared: true}, nil
	}
	if dockerAvailable(ctx) {
		return startContainer(ctx)
	}
	dsn, err := InitLocalDatabase(ctx)
	if err != nil {
		return nil, fmt.Errorf("infra: no docker and no local postgres: %w", err)
	}
	return &Database{DSN: dsn}, nil
}

func startContainer(ctx context.Context) (*Database, error) {
	image := os.Getenv("STRESS_TEST_PG_IMAGE")
	if image == "" {
		image = defaultImage
	}
	pgC, err := postgres.Run(ctx,
		image,
		postgres.WithDatabase("locumbook"),
		postgres.WithUsername("locumbook"),
		postgres.WithPassword("locumbook"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("infra: start %s: %w", image, err)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, fmt.Errorf("infra: container dsn: %w", err)
	}
	return &Database{DSN: dsn, container: pgC}, nil
}

// Close terminates the container if Provision started one.
func (d *Database) Close(ctx context.Context) error {
	if d == nil || d.container == nil {
		return nil
	}
	return d.container.Terminate(ctx)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
