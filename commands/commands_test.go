package commands

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyterm/polyterm/plugin/chat"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		name string
		args string
		ok   bool
	}{
		{"/start", "start", "", true},
		{"/start AB12CDEF", "start", "AB12CDEF", true},
		{"/Price  btc above 100k ", "price", "btc above 100k", true},
		{"/help@PolyTermBot", "help", "", true},
		{"  /new  ", "new", "", true},
		{"hello", "", "", false},
		{"/", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		name, args, ok := Parse(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.name, name, tt.in)
		assert.Equal(t, tt.args, args, tt.in)
	}
}

func TestDispatch(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", "Echo the arguments", func(_ context.Context, _ *chat.Message, args string) (*Reply, error) {
		return &Reply{Text: "echo: " + args}, nil
	})

	reply, handled, err := r.Dispatch(context.Background(), &chat.Message{Text: "/echo hi there"})
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, "echo: hi there", reply.Text)

	_, handled, err = r.Dispatch(context.Background(), &chat.Message{Text: "just chatting"})
	require.NoError(t, err)
	assert.False(t, handled, "plain text falls through to the agent")

	_, handled, err = r.Dispatch(context.Background(), &chat.Message{Text: "/unknown"})
	require.NoError(t, err)
	assert.False(t, handled, "unregistered command falls through")
}

func TestDispatchWrapsHandlerError(t *testing.T) {
	r := NewRegistry()
	r.Register("boom", "Always fails", func(context.Context, *chat.Message, string) (*Reply, error) {
		return nil, fmt.Errorf("kaput")
	})

	_, handled, err := r.Dispatch(context.Background(), &chat.Message{Text: "/boom"})
	assert.True(t, handled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/boom")
}

func TestHelpListsRegisteredCommands(t *testing.T) {
	r := NewRegistry()
	r.Register("markets", "Browse markets", func(context.Context, *chat.Message, string) (*Reply, error) {
		return nil, nil
	})
	r.RegisterHidden("debug", func(context.Context, *chat.Message, string) (*Reply, error) {
		return nil, nil
	})

	reply, handled, err := r.Dispatch(context.Background(), &chat.Message{Text: "/help"})
	require.NoError(t, err)
	require.True(t, handled)
	assert.Contains(t, reply.Text, "/markets")
	assert.Contains(t, reply.Text, "/help")
	assert.NotContains(t, reply.Text, "/debug")
}
