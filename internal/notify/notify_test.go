package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calmirror/internal/model"
)

type recorder struct {
	got []string
	err error
}

func (r *recorder) Notify(_ context.Context, msg string) error {
	r.got = append(r.got, msg)
	return r.err
}

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("offline")}
	m := Multi{ok, nil, bad, Log{}}

	err := m.Notify(context.Background(), "hello")
	assert.ErrorContains(t, err, "offline")
	assert.Equal(t, []string{"hello"}, ok.got)
	assert.Equal(t, []string{"hello"}, bad.got)

	assert.NotPanics(t, func() { Send(context.Background(), bad, "again") })
	assert.NotPanics(t, func() { Send(context.Background(), nil, "again") })
}

type fakeChannel struct {
	sent     []string
	messages []*discordgo.Message
	lastArgs struct {
		limit   int
		afterID string
	}
	err error
}

func (f *fakeChannel) ChannelMessageSend(_ string, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, content)
	return &discordgo.Message{Content: content}, nil
}

func (f *fakeChannel) ChannelMessages(_ string, limit int, _, afterID, _ string, _ ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	f.lastArgs.limit = limit
	f.lastArgs.afterID = afterID
	if f.err != nil {
		return nil, f.err
	}
	return f.messages, nil
}

func human(id, text string) *discordgo.Message {
	return &discordgo.Message{ID: id, Content: text, Author: &discordgo.User{ID: "u"}}
}

func TestDiscordPollCommands(t *testing.T) {
	fc := &fakeChannel{messages: []*discordgo.Message{
		human("1003", "  Override "),
		human("1001", "what's up"),
		{ID: "1005", Content: "cancel", Author: &discordgo.User{ID: "bot", Bot: true}},
		human("1002", "/CANCEL"),
	}}
	d := &Discord{api: fc, channelID: "c"}

	cmds, cursor, err := d.PollCommands(context.Background(), "1000")
	require.NoError(t, err)
	assert.Equal(t, map[model.Command]bool{model.CommandOverride: true, model.CommandCancel: true}, cmds)
	assert.Equal(t, "1005", cursor)
	assert.Equal(t, "1000", fc.lastArgs.afterID)
	assert.Equal(t, pollLimit, fc.lastArgs.limit)
}

func TestDiscordPollBootstrapsWithoutExecuting(t *testing.T) {
	fc := &fakeChannel{messages: []*discordgo.Message{human("2000", "override")}}
	d := &Discord{api: fc, channelID: "c"}

	cmds, cursor, err := d.PollCommands(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, cmds)
	assert.Equal(t, "2000", cursor)
	assert.Equal(t, 1, fc.lastArgs.limit)
}

func TestDiscordPollEmptyChannelThenFirstCommand(t *testing.T) {
	fc := &fakeChannel{}
	d := &Discord{api: fc, channelID: "c"}

	cmds, cursor, err := d.PollCommands(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, cmds)
	require.Equal(t, "0", cursor)

	fc.messages = []*discordgo.Message{human("3000", "override")}
	cmds, cursor, err = d.PollCommands(context.Background(), cursor)
	require.NoError(t, err)
	assert.Equal(t, map[model.Command]bool{model.CommandOverride: true}, cmds)
	assert.Equal(t, "3000", cursor)
	assert.Equal(t, "0", fc.lastArgs.afterID)
}

func TestDiscordPollErrorKeepsCursor(t *testing.T) {
	fc := &fakeChannel{err: errors.New("429")}
	d := &Discord{api: fc, channelID: "c"}

	_, cursor, err := d.PollCommands(context.Background(), "42")
	assert.Error(t, err)
	assert.Equal(t, "42", cursor)

	assert.Error(t, d.Notify(context.Background(), "x"))
}

func TestDiscordNotify(t *testing.T) {
	fc := &fakeChannel{}
	d := &Discord{api: fc, channelID: "c"}
	require.NoError(t, d.Notify(context.Background(), "synced"))
	assert.Equal(t, []string{"synced"}, fc.sent)
}

func TestNewDiscordValidates(t *testing.T) {
	_, err := NewDiscord("", "c")
	assert.Error(t, err)
	_, err = NewDiscord("t", "")
	assert.Error(t, err)
}

type fakeConn struct {
	subject string
	data    []byte
	flushed bool
	closed  bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return nil
}

func (f *fakeConn) FlushWithContext(ctx context.Context) error {
	_, f.flushed = ctx.Deadline()
	return nil
}

func (f *fakeConn) Close() { f.closed = true }

func TestNATSPublishesJSON(t *testing.T) {
	fc := &fakeConn{}
	at := time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)
	n := &NATS{conn: fc, subject: "calmirror.events", now: func() time.Time { return at }}

	require.NoError(t, n.Notify(context.Background(), "armed"))
	assert.Equal(t, "calmirror.events", fc.subject)
	assert.True(t, fc.flushed, "flush gets a deadline")

	var msg Message
	require.NoError(t, json.Unmarshal(fc.data, &msg))
	assert.Equal(t, "armed", msg.Text)
	assert.Equal(t, "calmirror", msg.Service)
	assert.True(t, at.Equal(msg.Time))

	n.Close()
	assert.True(t, fc.closed)
}
