package domain

import (
	"fmt"
	"strings"
)

// Command is a host-issued control instruction.
type Command string

const (
	CommandMute       Command = "mute"
	CommandUnmute     Command = "unmute"
	CommandCloseVideo Command = "close-video"
	CommandOpenVideo  Command = "open-video"
	CommandRemove     Command = "remove"
)

const allSuffix = "-all"

// ParseCommand accepts the base commands and their "-all" forms and returns
// the base command plus whether the "-all" form was used.
func ParseCommand(raw string) (Command, bool, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	all := strings.HasSuffix(raw, allSuffix)
	cmd := Command(strings.TrimSuffix(raw, allSuffix))

	switch cmd {
	case CommandMute, CommandUnmute, CommandCloseVideo, CommandOpenVideo:
		return cmd, all, nil
	case CommandRemove:
		if all {
			return "", false, fmt.Errorf("%w: remove cannot be broadcast", ErrValidation)
		}
		return cmd, false, nil
	default:
		return "", false, fmt.Errorf("%w: unknown command %q", ErrValidation, raw)
	}
}

func (c Command) All() Command {
	if c == CommandRemove {
		return c
	}
	return c + allSuffix
}

func (c Command) Terminal() bool {
	return c == CommandRemove
}
