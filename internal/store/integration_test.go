//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hyird/iot-manager-sub001/internal/eventbus"
	"github.com/hyird/iot-manager-sub001/internal/sl651"
)

// TestStore_Postgres_CommitBeforePublish starts a real PostgreSQL container
// and exercises the transaction guard the way internal/gateway does: persist
// a ParsedRecord, commit, and only then publish the domain event. It proves
// commit happens-before event publication against a real database rather
// than sqlite, and that InsertParsedRecord's RETURNING-id readback works
// against the postgres driver.
func TestStore_Postgres_CommitBeforePublish(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("sl651gw_test"),
		postgres.WithUsername("sl651gw_test"),
		postgres.WithPassword("sl651gw_test"),
		testcontainers.WithWaitStrategyAndDeadline(2*time.Minute,
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := "postgres://sl651gw_test:sl651gw_test@" + host + ":" + port.Port() + "/sl651gw_test?sslmode=disable"

	st, err := Open(Config{Type: DatabaseTypePostgres, PostgresDSN: dsn})
	require.NoError(t, err)

	bus := eventbus.New()
	var observed []eventbus.Event
	bus.Subscribe(eventbus.TagDeviceUpdated, func(e eventbus.Event) { observed = append(observed, e) })

	guard, err := st.BeginGuard(ctx)
	require.NoError(t, err)

	result := &sl651.ParsedFrameResult{
		DeviceID:   "device-1",
		LinkID:     "link-1",
		Protocol:   sl651.ProtocolSL651,
		FuncCode:   sl651.FuncTimedReport,
		ReportTime: "2026-07-31 10:00:00+08:00",
		Body: sl651.ParsedBody{
			FuncCode: sl651.FuncTimedReport,
			Data:     map[string]sl651.ParsedElement{},
		},
	}

	id, err := InsertParsedRecord(guard, result)
	require.NoError(t, err)
	require.NotZero(t, id)

	guard.OnCommit(func() {
		bus.Publish(eventbus.DeviceUpdated{LinkID: "link-1", RegistrationChanged: false})
	})

	require.NoError(t, guard.Commit())
	require.Len(t, observed, 1, "post-commit callback must publish exactly once, after commit acknowledges")

	var stored ParsedRecord
	require.NoError(t, st.DB().First(&stored, id).Error)
	require.Equal(t, "device-1", stored.DeviceID)
}
