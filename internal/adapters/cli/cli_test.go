package cli

import (
	"context"
	"testing"
	"time"

	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/domain/commands"
	"channel-cloner/internal/domain/links"

	"github.com/stretchr/testify/require"
)

type cancelExecutor struct {
	commands.Executor
	cancelled []int64
}

func (c *cancelExecutor) Cancel(_ context.Context, operator int64) error {
	c.cancelled = append(c.cancelled, operator)
	return nil
}

func TestHandleCommand(t *testing.T) {
	t.Parallel()

	exec := &cancelExecutor{}
	stopped := false
	s := NewService(exec, func() { stopped = true })
	ctx := context.Background()

	require.False(t, s.handleCommand(ctx, nil))
	require.False(t, s.handleCommand(ctx, []string{"cancel", "42"}))
	require.Equal(t, []int64{42}, exec.cancelled)

	require.False(t, s.handleCommand(ctx, []string{"cancel", "abc"}))
	require.Len(t, exec.cancelled, 1, "неверный id не доходит до исполнителя")

	require.True(t, s.handleCommand(ctx, []string{"exit"}))
	require.True(t, stopped)
}

func TestOperatorArg(t *testing.T) {
	t.Parallel()

	id, err := operatorArg([]string{"status", "100"})
	require.NoError(t, err)
	require.Equal(t, int64(100), id)

	_, err = operatorArg([]string{"status"})
	require.EqualError(t, err, "usage: status <operator>")

	_, err = operatorArg([]string{"status", "-5"})
	require.Error(t, err)
}

func TestTaskLine(t *testing.T) {
	t.Parallel()

	task := clone.Task{
		ID:          "t1",
		Operator:    7,
		Source:      links.Ref{Username: "src"},
		Destination: links.Ref{ChannelID: 99},
		Cursor:      12,
		Counters:    clone.Counters{Processed: 10, Skipped: 1, Failed: 1},
		Status:      clone.StatusRunning,
		StartedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.Equal(t,
		"[t1] op=7 RUNNING @src -> -10099 cursor=12 processed=10 skipped=1 failed=1 started=2026-03-01 12:00:00",
		taskLine(task))
}

func TestHelpLines(t *testing.T) {
	t.Parallel()

	lines := buildCommandHelpLines(commandDescriptors)
	require.Equal(t, "Available commands:", lines[0])
	require.Len(t, lines, len(commandDescriptors)+1)
	require.Equal(t, "help, tasks, status, cancel, dump, exit", joinCommandNames(commandDescriptors))
}
