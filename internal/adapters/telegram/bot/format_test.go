package bot

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/domain/links"
	"channel-cloner/internal/domain/session"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		ok   bool
		want command
	}{
		{text: "/clone @src @dst", ok: true, want: command{name: "clone", args: []string{"@src", "@dst"}, rest: "@src @dst"}},
		{text: "  /OTP@cloner_bot 12 345 ", ok: true, want: command{name: "otp", args: []string{"12", "345"}, rest: "12 345"}},
		{text: "/status", ok: true, want: command{name: "status", args: []string{}, rest: ""}},
		{text: "hello", ok: false},
		{text: "/", ok: false},
		{text: "/@bot", ok: false},
		{text: "", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			got, ok := parseCommand(tc.text)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.Equal(t, tc.want, got)
			}
		})
	}
}

func TestParseRange(t *testing.T) {
	t.Parallel()

	from, to, ok := parseRange("10", "20")
	require.True(t, ok)
	require.Equal(t, 10, from)
	require.Equal(t, 20, to)

	_, _, ok = parseRange("10", "")
	require.False(t, ok)
}

func TestErrorText(t *testing.T) {
	t.Parallel()

	text := errorText(fmt.Errorf("resolve: %w", links.ErrInvalidLink))
	require.Contains(t, text, "Error: resolve: invalid channel link")
	require.Contains(t, text, "t.me/c/<id>")

	require.Equal(t, "Error: boom", errorText(errors.New("boom")))
}

func TestFormatReport(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := clone.Task{
		Source:         links.Ref{Username: "src"},
		DestChannel:    clone.Channel{ID: 99},
		EstimatedTotal: 40,
		Counters:       clone.Counters{Processed: 30, Skipped: 2, Failed: 1, FailedIDs: []int{17}},
		Cursor:         33,
		Status:         clone.StatusCancelled,
		StartedAt:      start,
		FinishedAt:     start.Add(90 * time.Second),
	}
	want := "Cloning @src -> -10099\n" +
		"Status: cancelled\n" +
		"Copied: 30 of ~40\n" +
		"Skipped: 2, failed: 1\n" +
		"Last message id: 33\n" +
		"Failed ids (last 1): 17\n" +
		"Duration: 1m30s\n" +
		"Use /resume to continue from the last message id."
	require.Equal(t, want, formatReport(task))
}

func TestFormatLoginStatus(t *testing.T) {
	t.Parallel()

	st := session.Status{
		Stage:     session.StageAwaiting2FA,
		Phone:     "+15551230001",
		ExpiresAt: time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
	}
	require.Equal(t,
		"Not logged in: clones run with the bot account\nLogin for +15551230001 awaits /2fa until 2026-03-01 12:05",
		formatLoginStatus(st))

	require.Equal(t, "Logged in as user 777", formatLoginStatus(session.Status{LoggedIn: true, Principal: 777}))
}

func TestSentMessageID(t *testing.T) {
	t.Parallel()

	require.Equal(t, 5, sentMessageID(&tg.UpdateShortSentMessage{ID: 5}))
	require.Equal(t, 6, sentMessageID(&tg.Updates{Updates: []tg.UpdateClass{&tg.UpdateMessageID{ID: 6}}}))
	require.Equal(t, 7, sentMessageID(&tg.Updates{Updates: []tg.UpdateClass{
		&tg.UpdateNewMessage{Message: &tg.Message{ID: 7}},
	}}))
	require.Zero(t, sentMessageID(&tg.UpdatesTooLong{}))
}
