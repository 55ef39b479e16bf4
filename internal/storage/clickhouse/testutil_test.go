package clickhouse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const chImage = "clickhouse/clickhouse-server:24.1-alpine"

// setupTestDB starts a disposable ClickHouse with the audit mirror table and
// returns a connection plus the cleanup to defer.
func setupTestDB(t *testing.T) (*Conn, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        chImage,
			ExposedPorts: []string{"9000/tcp"},
			Env:          map[string]string{"CLICKHOUSE_DB": "engine"},
			WaitingFor: wait.ForAll(
				wait.ForLog("Ready for connections").WithStartupTimeout(90*time.Second),
				wait.ForListeningPort("9000/tcp"),
			),
		},
		Started: true,
	})
	require.NoError(t, err, "start clickhouse container")

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "")
	require.NoError(t, err, "clickhouse endpoint")

	conn, err := NewConn(ctx, fmt.Sprintf("clickhouse://default@%s/engine", endpoint))
	require.NoError(t, err, "open clickhouse")

	// 001_audit_events.sql holds a single statement.
	body, err := os.ReadFile(filepath.Join("..", "migrations", "clickhouse", "001_audit_events.sql"))
	require.NoError(t, err)
	require.NoError(t, conn.Exec(ctx, strings.TrimSuffix(strings.TrimSpace(string(body)), ";")))

	return conn, func() {
		_ = conn.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate clickhouse container: %v", err)
		}
	}
}
