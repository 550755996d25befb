// Package cli: консоль администратора процесса. Читает команды через readline и
// обращается к тому же commands.Executor, что и бот: список активных задач,
// состояние оператора, отмена, дамп истории. Включается, только если stdin: терминал.
package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/domain/commands"
	"channel-cloner/internal/infra/logger"
	"channel-cloner/internal/infra/pr"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const (
	commandTimeout = 10 * time.Second
	dumpLimit      = 20
	timeLayout     = "2006-01-02 15:04:05"
)

// commandDescriptor описывает одну команду консоли для help.
type commandDescriptor struct {
	name        string
	description string
}

// Имена должны совпадать с кейсами в handleCommand.
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands"},
	{name: "tasks", description: "List running clone tasks"},
	{name: "status", description: "status <operator>: login state and last task"},
	{name: "cancel", description: "cancel <operator>: stop the operator's running task"},
	{name: "dump", description: "dump <operator>: print recent task records"},
	{name: "exit", description: "Stop the service"},
}

// Available сообщает, можно ли поднять консоль (stdin: терминал).
func Available() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Service: консоль администратора.
type Service struct {
	exec    commands.Executor
	stopApp context.CancelFunc // команда exit и Ctrl-C на пустой строке
}

// NewService создаёт консоль.
func NewService(exec commands.Executor, stopApp context.CancelFunc) *Service {
	return &Service{exec: exec, stopApp: stopApp}
}

// Name: имя сервиса для логов.
func (s *Service) Name() string { return "cli" }

// Run читает команды до отмены ctx, EOF или команды exit.
func (s *Service) Run(ctx context.Context) error {
	rl := pr.Rl()
	if rl == nil {
		return errors.New("readline is not initialized")
	}
	stop := context.AfterFunc(ctx, pr.InterruptReadline)
	defer stop()

	pr.Println("Console started. Commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for descriptions.")
	installKeyHandlers(s.stopApp)

	for ctx.Err() == nil {
		line, err := rl.Readline()
		if err != nil {
			logger.Debug("CLI: deactivated", zap.Error(err))
			return nil
		}
		if s.handleCommand(ctx, strings.Fields(line)) {
			return nil
		}
	}
	return nil
}

// installKeyHandlers: '?' печатает help, Ctrl-C на пустой строке останавливает сервис,
// на непустой: очищает строку.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint:mnd // Ctrl-C (ETX)
			if strings.TrimSpace(string(line)) == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand выполняет одну команду. Возвращает true для exit.
func (s *Service) handleCommand(ctx context.Context, fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch fields[0] {
	case "help":
		printCommandHelp()
	case "tasks":
		s.printRunning(ctx)
	case "status", "cancel", "dump":
		operator, err := operatorArg(fields)
		if err != nil {
			pr.ErrPrintln(err)
			return false
		}
		switch fields[0] {
		case "status":
			s.printStatus(ctx, operator)
		case "cancel":
			if err = s.exec.Cancel(ctx, operator); err != nil {
				pr.ErrPrintln("cancel error:", err)
			} else {
				pr.Println("Cancellation requested.")
			}
		case "dump":
			tasks, err := s.exec.Tasks(ctx, operator, dumpLimit)
			if err != nil {
				pr.ErrPrintln("dump error:", err)
				return false
			}
			pr.PP(tasks)
		}
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", fields[0])
	}
	return false
}

func (s *Service) printRunning(ctx context.Context) {
	running := s.exec.Running(ctx)
	if len(running) == 0 {
		pr.Println("No running tasks.")
		return
	}
	for _, t := range running {
		pr.Println(taskLine(t))
	}
	pr.Printf("Total running: %d\n", len(running))
}

func (s *Service) printStatus(ctx context.Context, operator int64) {
	st, err := s.exec.LoginStatus(ctx, operator)
	if err != nil {
		pr.ErrPrintln("status error:", err)
		return
	}
	pr.Printf("Operator %d: logged_in=%t principal=%d login_stage=%s\n",
		operator, st.LoggedIn, st.Principal, st.Stage)
	task, err := s.exec.Progress(ctx, operator)
	switch {
	case errors.Is(err, clone.ErrNoActiveTask):
		pr.Println("No tasks.")
	case err != nil:
		pr.ErrPrintln("progress error:", err)
	default:
		pr.Println(taskLine(task))
	}
}

// taskLine: однострочное описание задачи.
func taskLine(t clone.Task) string {
	return fmt.Sprintf("[%s] op=%d %s %s -> %s cursor=%d processed=%d skipped=%d failed=%d started=%s",
		t.ID, t.Operator, t.Status, t.Source, t.Destination,
		t.Cursor, t.Processed, t.Skipped, t.Failed, t.StartedAt.Format(timeLayout))
}

func operatorArg(fields []string) (int64, error) {
	if len(fields) < 2 {
		return 0, fmt.Errorf("usage: %s <operator>", fields[0])
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid operator id %q", fields[1])
	}
	return id, nil
}

func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-8s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
