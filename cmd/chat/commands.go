package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashureev/confchat/internal/domain"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errMissingArg     = errors.New("missing argument")
	errNoSuchEntry    = errors.New("no such conversation")
)

// command is one parsed input line. Free text becomes a "say" command.
type command struct {
	name string
	ref  string
	arg  string
}

const helpText = `commands:
  /list                 show conversations
  /new                  start a new conversation
  /load <n|id>          open a conversation
  /rename <n|id> title  rename a conversation
  /pin <n|id>           pin a conversation
  /unpin <n|id>         unpin a conversation
  /delete <n|id>        delete a conversation
  /clear [n|id]         clear messages (default: current)
  /confirm, /cancel     answer a pending confirmation
  /quit                 exit
anything else is sent to the assistant`

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "say", arg: line}, nil
	}

	fields := strings.Fields(line)
	name := strings.TrimPrefix(fields[0], "/")
	args := fields[1:]

	switch name {
	case "list", "new", "confirm", "cancel", "quit", "help":
		return command{name: name}, nil
	case "load", "delete", "pin", "unpin":
		if len(args) == 0 {
			return command{}, fmt.Errorf("/%s: %w: conversation", name, errMissingArg)
		}
		return command{name: name, ref: args[0]}, nil
	case "clear":
		c := command{name: name}
		if len(args) > 0 {
			c.ref = args[0]
		}
		return c, nil
	case "rename":
		if len(args) < 2 {
			return command{}, fmt.Errorf("/rename: %w: conversation and title", errMissingArg)
		}
		return command{name: name, ref: args[0], arg: strings.Join(args[1:], " ")}, nil
	}
	return command{}, fmt.Errorf("/%s: %w", name, errUnknownCommand)
}

// resolveConversation accepts a 1-based index into list or a conversation id.
func resolveConversation(list []domain.Conversation, ref string) (string, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(list) {
			return "", fmt.Errorf("%w: #%d", errNoSuchEntry, n)
		}
		return list[n-1].ID, nil
	}
	for _, c := range list {
		if c.ID == ref {
			return c.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", errNoSuchEntry, ref)
}

func formatDirectory(list []domain.Conversation, active string) string {
	if len(list) == 0 {
		return "no conversations yet"
	}
	var b strings.Builder
	for i, c := range list {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		pin := ""
		if c.IsPinned {
			pin = " [pinned]"
		}
		fmt.Fprintf(&b, "%s%2d. %s%s (%s)\n", marker, i+1, c.Title, pin, c.LastActivity.Local().Format("Jan 2 15:04"))
	}
	return strings.TrimRight(b.String(), "\n")
}
