package fortunebot

import (
	"context"
	"fmt"
	"strings"
)

type CommandName string

const (
	CommandHelp    CommandName = "help"
	CommandPing    CommandName = "ping"
	CommandAdvice  CommandName = "advice"
	CommandFortune CommandName = "fortune"
)

// commandInfo describes a recognized command. Aliases may be
// hyphenated multi-word names.
type commandInfo struct {
	Name        CommandName
	Description string
	Aliases     []string
}

// commands is the closed set of recognized commands, in help order
var commands = []commandInfo{
	{Name: CommandHelp, Description: "Display this message"},
	{Name: CommandPing, Description: "Ping the bot"},
	{
		Name:        CommandAdvice,
		Description: "Get your advice for the day",
		Aliases:     []string{"daily-advice", "get-advice"},
	},
	{Name: CommandFortune, Description: "Get your fortune told"},
}

var commandLookup = func() map[string]CommandName {
	m := map[string]CommandName{}
	for _, c := range commands {
		m[string(c.Name)] = c.Name
		for _, a := range c.Aliases {
			m[a] = c.Name
		}
	}
	return m
}()

// ParsedCommand is a message parsed as a command
type ParsedCommand struct {
	// Token is the first whitespace-delimited word after the prefix,
	// as written
	Token string

	// Name is the recognized command. Empty if the token wasn't
	// recognized.
	Name CommandName
}

func (p ParsedCommand) Known() bool {
	return p.Name != ""
}

// ParseCommand parses text as a command, returning false if it doesn't
// start with prefix. Matching is case-insensitive.
func ParseCommand(prefix string, text string) (ParsedCommand, bool) {
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return ParsedCommand{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return ParsedCommand{}, true
	}
	token := fields[0]
	return ParsedCommand{
		Token: token,
		Name:  commandLookup[strings.ToLower(token)],
	}, true
}

// HelpText lists every command as `<prefix><name>: <description>`,
// one per line. The fortune command is marked retired when fortuneRetired
// is set.
func HelpText(prefix string, fortuneRetired bool) string {
	var sb strings.Builder
	for _, c := range commands {
		desc := c.Description
		if c.Name == CommandFortune && fortuneRetired {
			desc += " (retired)"
		}
		sb.WriteString(fmt.Sprintf("%s%s: %s\n", prefix, c.Name, desc))
	}
	return sb.String()
}

// Router maps a parsed command to its reply
type Router struct {
	Prefix         string
	FortuneRetired bool
	Dispenser      *Dispenser
	Content        *Content
}

// Reply returns the reply for a message, and false if the message
// isn't a command. Only the dispense command touches the record store.
func (r *Router) Reply(ctx context.Context, author Author, text string) (
	string,
	bool,
	error,
) {
	cmd, ok := ParseCommand(r.Prefix, text)
	if !ok {
		return "", false, nil
	}

	switch cmd.Name {
	case CommandHelp:
		return HelpText(r.Prefix, r.FortuneRetired), true, nil
	case CommandPing:
		return replyPong, true, nil
	case CommandFortune:
		if r.FortuneRetired {
			return fortuneRetiredReply(r.Prefix), true, nil
		}
		return r.dispense(ctx, author)
	case CommandAdvice:
		return r.dispense(ctx, author)
	default:
		return unknownCommandReply(cmd.Token), true, nil
	}
}

func (r *Router) dispense(ctx context.Context, author Author) (
	string,
	bool,
	error,
) {
	outcome, err := r.Dispenser.Dispense(ctx, author)
	if err != nil {
		return "", true, err
	}
	if !outcome.Allowed {
		name := r.Content.DisplayName(
			author.ID,
			author.Username,
			author.DisplayName,
		)
		return throttledReply(name, outcome.RemainingHours), true, nil
	}
	return outcome.Text, true, nil
}
