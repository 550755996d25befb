// Package pr: вывод для интерактивной консоли администратора. Пока readline не
// поднят, печать идёт в os.Stdout/os.Stderr; после Init: в буферы readline, чтобы
// строки логов не ломали строку ввода. Мьютекс защищает только смену writer'ов.
package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
)

var (
	mu           sync.Mutex
	rl           *readline.Instance
	out          io.Writer = os.Stdout
	errOut       io.Writer = os.Stderr
	cancelableIn io.Closer
)

// Init поднимает readline с отменяемым stdin и перенаправляет вывод в него.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	instance, err := readline.NewEx(&readline.Config{Stdin: cs, Prompt: "> "})
	if err != nil {
		_ = cs.Close()
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	rl = instance
	cancelableIn = cs
	out = instance.Stdout()
	errOut = instance.Stderr()
	return nil
}

// Rl возвращает инстанс readline или nil, если Init не вызывался.
func Rl() *readline.Instance {
	mu.Lock()
	defer mu.Unlock()
	return rl
}

// InterruptReadline закрывает stdin: ожидающий Readline получает io.EOF.
func InterruptReadline() {
	mu.Lock()
	in := cancelableIn
	mu.Unlock()
	if in != nil {
		_ = in.Close()
	}
}

// Close возвращает вывод в os.Stdout/os.Stderr и закрывает readline.
func Close() {
	mu.Lock()
	instance := rl
	rl = nil
	out = os.Stdout
	errOut = os.Stderr
	mu.Unlock()
	if instance != nil {
		_ = instance.Close()
	}
}

// Stdout возвращает текущий writer стандартного вывода.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr возвращает текущий writer ошибок.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

func Println(a ...any) {
	fmt.Fprintln(Stdout(), a...)
}

func Printf(format string, a ...any) {
	fmt.Fprintf(Stdout(), format, a...)
}

func ErrPrintln(a ...any) {
	fmt.Fprintln(Stderr(), a...)
}

// PP печатает значение через kr/pretty (команда dump консоли).
func PP(v any) {
	fmt.Fprint(Stdout(), Pf(v))
}

// Pf возвращает pretty-представление значения.
func Pf(v any) string {
	return fmt.Sprintf("%# v\n", pretty.Formatter(v))
}
