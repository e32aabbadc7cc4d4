package cli

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/costledger/jobs"
	_ "github.com/odyssey-erp/costledger/testing"
)

func TestDefaultTaskAliases(t *testing.T) {
	task, err := defaultTask("sweep")
	require.NoError(t, err)
	require.Equal(t, jobs.TaskIntegritySweep, task.Type())

	task, err = defaultTask(jobs.TaskIdempotencyCleanup)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskIdempotencyCleanup, task.Type())

	_, err = defaultTask("reindex")
	require.Error(t, err)
}

func TestTriggerEnqueuesPendingTask(t *testing.T) {
	mr := miniredis.RunT(t)
	cli, err := NewJobsCLI(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	info, err := cli.Trigger(context.Background(), "cleanup")
	require.NoError(t, err)
	require.Equal(t, jobs.QueueDefault, info.Queue)

	pending, err := mr.List("asynq:{default}:pending")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = NewJobsCLI("")
	require.Error(t, err)
}
