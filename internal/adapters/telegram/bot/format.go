package bot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/domain/commands"
	"channel-cloner/internal/domain/links"
	"channel-cloner/internal/domain/session"
)

const (
	timeLayout    = "2006-01-02 15:04"
	failedIDsShow = 20
)

// errorHints дополняют текст ошибки подсказкой о следующем шаге.
var errorHints = []struct {
	err  error
	hint string
}{
	{clone.ErrAuthRequired, "Log in with /login <phone> or add the bot to the source channel."},
	{commands.ErrNoDestination, "Set it with /setdest <channel> or pass it after the source."},
	{clone.ErrTaskAlreadyRunning, "Use /progress to watch it or /cancel to stop it."},
	{clone.ErrNoResumableTask, "Start a new task with /clone."},
	{session.ErrNoPendingLogin, "Start with /login <phone>."},
	{session.ErrLoginExpired, "Start again with /login <phone>."},
	{session.ErrAlreadyLoggedIn, "Use /login <phone> force to log in again."},
	{session.ErrLoginFailed, "Start again with /login <phone>."},
	{links.ErrInvalidLink, "Use t.me/name, @name, t.me/c/<id> or -100<id>."},
	{clone.ErrInsufficientPrivilege, "The account must be an admin allowed to post in the destination."},
}

// errorText превращает ошибку команды в ответ оператору.
func errorText(err error) string {
	text := "Error: " + err.Error()
	for _, h := range errorHints {
		if errors.Is(err, h.err) {
			return text + "\n" + h.hint
		}
	}
	return text
}

func channelName(ch clone.Channel, ref links.Ref) string {
	switch {
	case ch.Title != "" && ch.Username != "":
		return fmt.Sprintf("%s (@%s)", ch.Title, ch.Username)
	case ch.Title != "":
		return ch.Title
	case !ref.IsZero():
		return ref.String()
	case ch.ID != 0:
		return fmt.Sprintf("-100%d", ch.ID)
	}
	return "?"
}

func statusLabel(s clone.Status) string {
	switch s {
	case clone.StatusRunning:
		return "running"
	case clone.StatusCompleted:
		return "completed"
	case clone.StatusCancelled:
		return "cancelled"
	case clone.StatusFailed:
		return "failed"
	}
	return strings.ToLower(string(s))
}

// formatProgress: текст статусного сообщения работающей задачи.
func formatProgress(t clone.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cloning %s -> %s\n",
		channelName(t.SourceChannel, t.Source), channelName(t.DestChannel, t.Destination))
	fmt.Fprintf(&b, "Status: %s\n", statusLabel(t.Status))
	if t.EstimatedTotal > 0 {
		fmt.Fprintf(&b, "Copied: %d of ~%d\n", t.Processed, t.EstimatedTotal)
	} else {
		fmt.Fprintf(&b, "Copied: %d\n", t.Processed)
	}
	fmt.Fprintf(&b, "Skipped: %d, failed: %d\n", t.Skipped, t.Failed)
	fmt.Fprintf(&b, "Last message id: %d", t.Cursor)
	if t.UpperBound > 0 {
		fmt.Fprintf(&b, " (up to %d)", t.UpperBound)
	}
	return b.String()
}

// formatReport: финальный отчёт по завершённой задаче.
func formatReport(t clone.Task) string {
	var b strings.Builder
	b.WriteString(formatProgress(t))
	if t.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", t.Error)
	}
	if len(t.FailedIDs) > 0 {
		tail := clone.FailedIDsTail(t.FailedIDs, failedIDsShow)
		fmt.Fprintf(&b, "\nFailed ids (last %d): %s", len(tail), joinInts(tail))
	}
	if !t.FinishedAt.IsZero() && !t.StartedAt.IsZero() {
		fmt.Fprintf(&b, "\nDuration: %s", t.FinishedAt.Sub(t.StartedAt).Round(time.Second))
	}
	if t.Status == clone.StatusCancelled || t.Status == clone.StatusFailed {
		b.WriteString("\nUse /resume to continue from the last message id.")
	}
	return b.String()
}

// formatLoginStatus описывает состояние входа оператора.
func formatLoginStatus(st session.Status) string {
	var b strings.Builder
	if st.LoggedIn {
		fmt.Fprintf(&b, "Logged in as user %d", st.Principal)
	} else {
		b.WriteString("Not logged in: clones run with the bot account")
	}
	switch st.Stage {
	case session.StageAwaitingCode:
		fmt.Fprintf(&b, "\nLogin for %s awaits /otp until %s", st.Phone, st.ExpiresAt.Format(timeLayout))
	case session.StageAwaiting2FA:
		fmt.Fprintf(&b, "\nLogin for %s awaits /2fa until %s", st.Phone, st.ExpiresAt.Format(timeLayout))
	case session.StageFailed:
		fmt.Fprintf(&b, "\nLast login attempt failed: %s", st.Reason)
	}
	return b.String()
}

// formatTasks: список задач, новые первыми.
func formatTasks(tasks []clone.Task) string {
	if len(tasks) == 0 {
		return "No tasks yet."
	}
	var b strings.Builder
	for i, t := range tasks {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %s: %s -> %s, copied %d, failed %d, cursor %d",
			t.StartedAt.Format(timeLayout), statusLabel(t.Status),
			channelName(t.SourceChannel, t.Source), channelName(t.DestChannel, t.Destination),
			t.Processed, t.Failed, t.Cursor)
	}
	return b.String()
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}
