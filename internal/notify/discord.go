package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"

	appLog "calmirror/internal/log"
	"calmirror/internal/model"
)

// pollLimit is the maximum Discord allows per ChannelMessages call.
const pollLimit = 100

// emptyChannelCursor is the bootstrap cursor of a channel with no messages.
// Snowflakes are positive, so it precedes every message.
const emptyChannelCursor = "0"

// channelAPI is the subset of *discordgo.Session used here.
type channelAPI interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

// Discord posts notifications to a channel and reads override/cancel
// commands from the same channel. Only the REST API is used, so no gateway
// connection is held between runs.
type Discord struct {
	api       channelAPI
	channelID string
}

// NewDiscord creates a bot session for token.
func NewDiscord(token, channelID string) (*Discord, error) {
	if token == "" {
		return nil, errors.New("discord: bot token is empty")
	}
	if channelID == "" {
		return nil, errors.New("discord: channel id is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return &Discord{api: s, channelID: channelID}, nil
}

func (d *Discord) Notify(ctx context.Context, message string) error {
	if _, err := d.api.ChannelMessageSend(d.channelID, message, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send: %w", err)
	}
	return nil
}

// PollCommands reads messages posted after cursor and returns the commands
// they contain plus the new cursor (the newest message ID seen).
//
// With an empty cursor nothing is executed: the cursor is only moved to the
// latest message, so history posted before the first run is not replayed.
// An empty channel yields emptyChannelCursor, so the first command posted
// later is read by the next poll.
func (d *Discord) PollCommands(ctx context.Context, cursor string) (map[model.Command]bool, string, error) {
	if cursor == "" {
		msgs, err := d.api.ChannelMessages(d.channelID, 1, "", "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, cursor, fmt.Errorf("discord: bootstrap cursor: %w", err)
		}
		next := newestID(msgs, emptyChannelCursor)
		appLog.Debug("discord command cursor bootstrapped", "cursor", next)
		return map[model.Command]bool{}, next, nil
	}

	msgs, err := d.api.ChannelMessages(d.channelID, pollLimit, "", cursor, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, cursor, fmt.Errorf("discord: poll: %w", err)
	}
	cmds := parseCommands(msgs)
	return cmds, newestID(msgs, cursor), nil
}

// parseCommands extracts recognized commands from human messages.
func parseCommands(msgs []*discordgo.Message) map[model.Command]bool {
	out := make(map[model.Command]bool)
	for _, m := range msgs {
		if m == nil || (m.Author != nil && m.Author.Bot) {
			continue
		}
		if cmd, ok := model.ParseCommand(m.Content); ok {
			out[cmd] = true
		}
	}
	return out
}

// newestID returns the largest snowflake among msgs and cursor.
func newestID(msgs []*discordgo.Message, cursor string) string {
	best := cursor
	bestN, _ := strconv.ParseUint(cursor, 10, 64)
	for _, m := range msgs {
		if m == nil {
			continue
		}
		n, err := strconv.ParseUint(m.ID, 10, 64)
		if err != nil {
			continue
		}
		if n > bestN {
			best, bestN = m.ID, n
		}
	}
	return best
}
