package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	for _, ty := range Types() {
		got, err := ParseType(string(ty))
		require.NoError(t, err)
		assert.Equal(t, ty, got)
		assert.NotEmpty(t, got.Description())
	}

	_, err := ParseType("unknown_sync")
	assert.Error(t, err)
}

func TestNextKeepsIdentity(t *testing.T) {
	created := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	now := created.Add(time.Hour)
	cur := &Task{ID: 3, Version: 9, Type: TypeFenbiSync, Created: created, Modified: created}

	n := next(cur, func(t *Task) {
		t.ID = 99
		t.Type = TypeAssetsSave
		t.Version = 1
		t.Active = true
	}, now)

	assert.Equal(t, int64(3), n.ID)
	assert.Equal(t, TypeFenbiSync, n.Type)
	assert.Equal(t, int64(10), n.Version)
	assert.Equal(t, created, n.Created)
	assert.Equal(t, now, n.Modified)
	assert.True(t, n.Active)
	assert.False(t, cur.Active)
}

func TestMutations(t *testing.T) {
	base := &Task{Active: true, Context: json.RawMessage(`{"stage_name":"sync_paper","cursor":1,"total":2}`)}

	failed := base.Clone()
	Fail("db down")(failed)
	assert.False(t, failed.Active)
	require.NotNil(t, failed.ErrorCause)
	assert.Equal(t, "db down", *failed.ErrorCause)
	assert.Equal(t, int64(1), failed.ErrorCount)
	assert.True(t, failed.HasCheckpoint())

	Complete()(failed)
	assert.Nil(t, failed.ErrorCause)
	assert.Equal(t, int64(1), failed.ErrorCount)

	cleared := base.Clone()
	SetContext(json.RawMessage("null"))(cleared)
	assert.False(t, cleared.HasCheckpoint())
	assert.True(t, base.HasCheckpoint())

	run := base.Clone()
	StartRun()(run)
	StartRun()(run)
	assert.Equal(t, int64(2), run.RunCount)

	Deactivate()(run)
	assert.False(t, run.Active)
}
