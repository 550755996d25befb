package bot

import (
	"strconv"
	"strings"
)

// command: разобранная команда оператора, имя без слэша и аргументы.
type command struct {
	name string
	args []string
	rest string // текст после имени как есть (пароль может содержать пробелы)
}

// arg возвращает i-й аргумент или пустую строку.
func (c command) arg(i int) string {
	if i < len(c.args) {
		return c.args[i]
	}
	return ""
}

// parseCommand разбирает строку вида "/clone@cloner_bot src dst".
// ok=false: текст не команда.
func parseCommand(text string) (command, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return command{}, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return command{}, false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), fields[0]))
	return command{name: strings.ToLower(name), args: fields[1:], rest: rest}, true
}

// parseRange разбирает аргументы /crange, from и to должны быть положительными id.
func parseRange(from, to string) (int, int, bool) {
	f, err := strconv.Atoi(from)
	if err != nil {
		return 0, 0, false
	}
	t, err := strconv.Atoi(to)
	if err != nil {
		return 0, 0, false
	}
	return f, t, true
}

// isForce распознаёт флаг повторного входа у /login.
func isForce(arg string) bool {
	switch strings.ToLower(arg) {
	case "force", "-f", "--force":
		return true
	}
	return false
}

type commandHelp struct {
	usage       string
	description string
}

var commandHelps = []commandHelp{
	{usage: "/login <phone> [force]", description: "log in with your Telegram account"},
	{usage: "/otp <code>", description: "submit the login code"},
	{usage: "/2fa <password>", description: "submit the 2FA password"},
	{usage: "/logout", description: "forget the stored authorization"},
	{usage: "/status", description: "login state and current task"},
	{usage: "/setdest <channel>", description: "set the default destination"},
	{usage: "/getdest", description: "show the default destination"},
	{usage: "/clone <source> [destination]", description: "copy the whole channel history"},
	{usage: "/crange <source> <from_id> <to_id> [destination]", description: "copy a range of messages"},
	{usage: "/resume [source] [destination]", description: "continue the last task from its cursor"},
	{usage: "/cancel", description: "stop the running task"},
	{usage: "/progress", description: "show progress of the current or last task"},
	{usage: "/tasks", description: "recent tasks"},
}

func helpText() string {
	var b strings.Builder
	b.WriteString("Channel cloner. Commands:\n")
	for _, h := range commandHelps {
		b.WriteString(h.usage)
		b.WriteString(" - ")
		b.WriteString(h.description)
		b.WriteByte('\n')
	}
	b.WriteString("\nChannels: t.me/name, @name, t.me/c/<id>, -100<id>. ")
	b.WriteString("Without a login the bot account is used and must be a member of the source.")
	return b.String()
}
