package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register("job-1", 1234))

	pid, ok := reg.Lookup("job-1")
	assert.True(t, ok)
	assert.Equal(t, 1234, pid)

	_, ok = reg.Lookup("job-2")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register("job-1", 1234))
	err := reg.Register("job-1", 5678)
	assert.ErrorContains(t, err, "already registered")

	pid, _ := reg.Lookup("job-1")
	assert.Equal(t, 1234, pid)
}

func TestRegistryValidation(t *testing.T) {
	reg := NewRegistry()

	assert.Error(t, reg.Register("", 1234))
	assert.Error(t, reg.Register("job-1", 0))
	assert.Error(t, reg.Register("job-1", -5))
}

func TestRegistryUnregisterIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("job-1", 1234))

	reg.Unregister("job-1")
	reg.Unregister("job-1")

	_, ok := reg.Lookup("job-1")
	assert.False(t, ok)
}

func TestRegistryStopUnknownJob(t *testing.T) {
	reg := NewRegistry()
	assert.ErrorIs(t, reg.Stop("no-such-job"), ErrNotFound)
}

func TestRegistryActiveSorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("job-b", 2))
	require.NoError(t, reg.Register("job-a", 1))
	require.NoError(t, reg.Register("job-c", 3))

	active := reg.Active()
	require.Len(t, active, 3)
	assert.Equal(t, "job-a", active[0].JobID)
	assert.Equal(t, "job-b", active[1].JobID)
	assert.Equal(t, "job-c", active[2].JobID)
}
