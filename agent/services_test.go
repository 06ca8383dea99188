package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krpc/transport"
)

type chatService struct {
	Methods
	got chan string
}

func (s *chatService) Event(name string) (EventFunc, bool) {
	if name != "say" {
		return nil, false
	}
	return func(_ *transport.Conn, payload []byte) { s.got <- string(payload) }, true
}

func TestServiceRegistry_Register(t *testing.T) {
	r := NewServiceRegistry(nil)
	echo := Methods{"echo": func(_ context.Context, _ *transport.Conn, args []byte) ([]byte, error) { return args, nil }}

	require.NoError(t, r.Register("util", echo))
	assert.ErrorIs(t, r.Register("util", echo), ErrServiceExists)
	assert.Error(t, r.Register("", echo))
	assert.Error(t, r.Register("a.b", echo))
	assert.Error(t, r.Register("nil", nil))

	require.NoError(t, r.Register("alpha", echo))
	assert.Equal(t, []string{"alpha", "util"}, r.Names())

	assert.True(t, r.Unregister("alpha"))
	assert.False(t, r.Unregister("alpha"))
}

func TestServiceRegistry_InvokeRouting(t *testing.T) {
	r := NewServiceRegistry(nil)
	require.NoError(t, r.Register("util", Methods{
		"upper": func(_ context.Context, _ *transport.Conn, args []byte) ([]byte, error) {
			out := make([]byte, len(args))
			for i, b := range args {
				if b >= 'a' && b <= 'z' {
					b -= 'a' - 'A'
				}
				out[i] = b
			}
			return out, nil
		},
	}))
	ctx := context.Background()

	out, err := r.Invoke(ctx, nil, "util.upper", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(out))

	_, err = r.Invoke(ctx, nil, "util.lower", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)
	_, err = r.Invoke(ctx, nil, "nope.upper", nil)
	assert.ErrorIs(t, err, ErrUnknownService)
	_, err = r.Invoke(ctx, nil, "util", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)
	_, err = r.Invoke(ctx, nil, "util.", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestServiceRegistry_Deliver(t *testing.T) {
	r := NewServiceRegistry(nil)
	chat := &chatService{Methods: Methods{}, got: make(chan string, 1)}
	require.NoError(t, r.Register("chat", chat))
	require.NoError(t, r.Register("plain", Methods{}))

	r.Deliver(nil, "chat.say", []byte("hi"))
	assert.Equal(t, "hi", <-chat.got)

	// Unroutable events are dropped silently.
	r.Deliver(nil, "chat.shout", nil)
	r.Deliver(nil, "plain.say", nil)
	r.Deliver(nil, "missing.say", nil)
	assert.Empty(t, chat.got)
}
