package fixgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

type Sandbox struct {
	DSN    string
	Schema string
}

// Boot starts the shared container on first use. Tests are skipped under
// -short or when no Docker provider is reachable.
func Boot(t *testing.T, opts ...Option) {
	t.Helper()
	if testing.Short() {
		t.Skip("fixgres: container tests skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if err := boot(ctx, cfg); err != nil {
		t.Fatalf("fixgres boot failed: %v", err)
	}
}

// NewSandbox creates a schema private to t and returns a DSN whose
// connections resolve unqualified names there. The schema is dropped when t
// finishes.
func NewSandbox(t *testing.T) *Sandbox {
	t.Helper()
	mu.Lock()
	base := connString
	mu.Unlock()
	if base == "" {
		t.Fatalf("fixgres not booted. Call fixgres.Boot(t) first.")
	}

	admin, err := sql.Open("pgx", base)
	if err != nil {
		t.Fatalf("open admin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := fmt.Sprintf("t_%x", time.Now().UnixNano())
	if _, err := admin.ExecContext(ctx, `CREATE SCHEMA "`+schema+`"`); err != nil {
		_ = admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = admin.ExecContext(ctx, `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`)
		_ = admin.Close()
	})

	return &Sandbox{DSN: withSearchPath(base, schema), Schema: schema}
}

func withSearchPath(base, schema string) string {
	u, _ := url.Parse(base)
	q := u.Query()
	q.Set("options", fmt.Sprintf("-csearch_path=%s", schema))
	u.RawQuery = q.Encode()
	return u.String()
}
