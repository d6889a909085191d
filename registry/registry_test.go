package registry

import (
	"os"
	"testing"
	"time"

	"fanout/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()

	os.Exit(m.Run())
}

func TestSaveAndList(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	record := JobRecord{
		JobID:     "worker-1",
		RunID:     "20240101-000000",
		Task:      "Fix typo in README",
		Pid:       os.Getpid(),
		Workspace: "/tmp/wt/worker-1",
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Status:    "running",
	}

	require.NoError(t, Save(record))

	records, err := List()
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.Equal(t, record.JobID, got.JobID)
	assert.Equal(t, record.RunID, got.RunID)
	assert.Equal(t, record.Task, got.Task)
	assert.Equal(t, record.Pid, got.Pid)
	assert.Equal(t, record.Workspace, got.Workspace)
	assert.Equal(t, "running", got.Status)
}

func TestList(t *testing.T) {
	t.Run("empty when nothing was persisted", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())

		records, err := List()
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("newest run first", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())

		require.NoError(t, Save(JobRecord{JobID: "worker-1", RunID: "20240101-000000", Pid: 1}))
		require.NoError(t, Save(JobRecord{JobID: "worker-1", RunID: "20240102-000000", Pid: 2}))

		records, err := List()
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "20240102-000000", records[0].RunID)
	})
}

func TestAlive(t *testing.T) {
	t.Run("detects the current process", func(t *testing.T) {
		assert.True(t, JobRecord{Pid: os.Getpid()}.Alive())
	})

	t.Run("detects a long gone pid", func(t *testing.T) {
		// Max pid on Linux defaults to 4194304; anything above cannot exist.
		assert.False(t, JobRecord{Pid: 1 << 30}.Alive())
	})
}
