package txn

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/hyird/iot-manager-sub001/internal/gwerrors"
)

type widget struct {
	ID   uint `gorm:"primarykey"`
	Name string
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&widget{}))
	return db
}

func TestGuard_CommitRunsOnCommitCallbacks(t *testing.T) {
	db := openTestDB(t)
	g, err := Create(context.Background(), db)
	require.NoError(t, err)
	defer g.Close()

	id, err := g.CreateRecord(&widget{Name: "a"})
	require.NoError(t, err)
	assert.NotZero(t, id)

	var ran bool
	g.OnCommit(func() { ran = true })

	require.NoError(t, g.Commit())
	assert.True(t, ran)

	var got widget
	require.NoError(t, db.First(&got, id).Error)
	assert.Equal(t, "a", got.Name)
}

func TestGuard_CloseWithoutCommitRollsBack(t *testing.T) {
	db := openTestDB(t)
	g, err := Create(context.Background(), db)
	require.NoError(t, err)

	id, err := g.CreateRecord(&widget{Name: "b"})
	require.NoError(t, err)

	g.Close()

	var count int64
	db.Model(&widget{}).Where("id = ?", id).Count(&count)
	assert.Zero(t, count)
}

func TestGuard_OperationsAfterCommitFail(t *testing.T) {
	db := openTestDB(t)
	g, err := Create(context.Background(), db)
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, g.Commit())

	_, err = g.CreateRecord(&widget{Name: "c"})
	assert.Error(t, err)

	err = g.Commit()
	assert.Error(t, err)
}

func TestGuard_ExplicitRollbackIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	g, err := Create(context.Background(), db)
	require.NoError(t, err)

	require.NoError(t, g.Rollback())
	require.NoError(t, g.Rollback())
	g.Close()
}

func TestGuard_CommitFailureSkipsCallbacks(t *testing.T) {
	db := openTestDB(t)
	g, err := Create(context.Background(), db)
	require.NoError(t, err)
	defer g.Close()

	var ran bool
	g.OnCommit(func() { ran = true })

	// Terminate the underlying transaction out-of-band so the guard's
	// commit is reported as failed by the driver.
	require.NoError(t, g.tx.Rollback().Error)

	err = g.Commit()
	require.Error(t, err)
	var commitFailed *gwerrors.CommitFailed
	assert.ErrorAs(t, err, &commitFailed)
	assert.False(t, ran, "post-commit callbacks must not run when commit fails")
}

func TestGuard_PanickingCallbackDoesNotBreakCommit(t *testing.T) {
	db := openTestDB(t)
	g, err := Create(context.Background(), db)
	require.NoError(t, err)
	defer g.Close()

	var secondRan bool
	g.OnCommit(func() { panic("boom") })
	g.OnCommit(func() { secondRan = true })

	assert.NotPanics(t, func() {
		require.NoError(t, g.Commit())
	})
	assert.True(t, secondRan)
}
