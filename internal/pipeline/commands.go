package pipeline

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"chatbridge/internal/domain"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string // text response to send back
	Handled  bool   // true if the command was handled (don't echo)
}

// ParseCommand checks if a message starts with "/" and parses it into a ChatCommand.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if name == "" {
		return nil
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return &ChatCommand{
		Name: name,
		Args: args,
		Raw:  text,
	}
}

// HandleCommand processes a chat command. Unrecognized commands return
// Handled=false so the message is echoed like any other.
func (e *Echo) HandleCommand(cmd *ChatCommand, ev domain.Event, adapter string) CommandResult {
	switch cmd.Name {
	case "help":
		return CommandResult{Response: helpText(), Handled: true}

	case "ping":
		return CommandResult{Response: "pong", Handled: true}

	case "uptime":
		uptime := e.now().Sub(e.started).Round(time.Second)
		return CommandResult{Response: fmt.Sprintf("Uptime: %s", uptime), Handled: true}

	case "version":
		return CommandResult{Response: fmt.Sprintf("chatbridge v%s (%s/%s, Go %s)", e.version, runtime.GOOS, runtime.GOARCH, runtime.Version()), Handled: true}

	case "whoami":
		return CommandResult{Response: whoamiText(ev, adapter), Handled: true}

	default:
		return CommandResult{Handled: false}
	}
}

func helpText() string {
	return `chatbridge commands

/help - Show this help message
/ping - Check the bot is alive
/uptime - Show bot uptime
/version - Show version info
/whoami - Show your sender and conversation ids`
}

func whoamiText(ev domain.Event, adapter string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Adapter: %s\n", adapter)
	fmt.Fprintf(&sb, "Sender: %s", ev.Sender.ID)
	if ev.Sender.Name != "" {
		fmt.Fprintf(&sb, " (%s)", ev.Sender.Name)
	}
	sb.WriteByte('\n')
	if ev.Kind == domain.KindGroupMessage && ev.Group != nil {
		fmt.Fprintf(&sb, "Group: %s", ev.Group.ID)
		if ev.Group.Name != "" {
			fmt.Fprintf(&sb, " (%s)", ev.Group.Name)
		}
		sb.WriteByte('\n')
	}
	if id := ev.MessageID(); id != "" {
		fmt.Fprintf(&sb, "Message: %s\n", id)
	}
	return strings.TrimRight(sb.String(), "\n")
}
