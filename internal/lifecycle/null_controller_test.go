package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullController_WritesReturnContainerizationDisabled(t *testing.T) {
	var c NullController
	ctx := context.Background()

	_, err := c.GetOrStart(ctx, "app-1", StartSpec{})
	assert.ErrorIs(t, err, ErrContainerizationDisabled)

	assert.ErrorIs(t, c.Stop(ctx, "app-1"), ErrContainerizationDisabled)
	assert.ErrorIs(t, c.Remove(ctx, "app-1"), ErrContainerizationDisabled)
	assert.ErrorIs(t, c.SyncFiles(ctx, "app-1", []string{"x"}), ErrContainerizationDisabled)

	_, err = c.Exec(ctx, "app-1", []string{"ls"})
	assert.ErrorIs(t, err, ErrContainerizationDisabled)
}

func TestNullController_ReadsReturnEmptyWithoutError(t *testing.T) {
	var c NullController
	ctx := context.Background()

	status, err := c.Status(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, Absent, status.State)

	logs, err := c.Logs(ctx, "app-1", LogOptions{})
	require.NoError(t, err)
	assert.Empty(t, logs)

	events, err := c.Events(ctx, "app-1")
	require.NoError(t, err)
	assert.Empty(t, events)

	ch, err := c.StreamLogs(ctx, "app-1", LogOptions{})
	require.NoError(t, err)
	_, open := <-ch
	assert.False(t, open, "StreamLogs must return an already-closed channel")
}
