package agent

import (
	"strings"

	"afaqbot/internal/domain"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/" or "@botname"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string // text response to send back
	Handled  bool   // true if the command was handled (don't send to the provider)
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
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
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

// HandleCommand processes a chat command and returns a result.
// If the command is not recognized, returns Handled=false so the message
// can be forwarded to the provider as a normal message.
func (l *Loop) HandleCommand(cmd *ChatCommand, msg domain.InboundMessage) CommandResult {
	key := msg.UserKey()
	switch cmd.Name {
	case "start":
		return CommandResult{Response: l.replies.Commands.Start, Handled: true}

	case "clear", "reset":
		if l.history.Clear(key) {
			return CommandResult{Response: l.replies.Commands.Cleared, Handled: true}
		}
		return CommandResult{Response: l.replies.Commands.NothingToClear, Handled: true}

	case "help":
		return CommandResult{Response: l.replies.Commands.Help, Handled: true}

	case "stats":
		return CommandResult{Response: l.replies.stats(l.history.Stats(key)), Handled: true}

	default:
		l.logger.Info("unknown command, treating as text", "command", cmd.Name, "user", key)
		return CommandResult{Handled: false}
	}
}
