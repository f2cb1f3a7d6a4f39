package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_OneHandlerPerEvent(t *testing.T) {
	d := NewDispatcher()

	var first, second []string
	d.On(PlaySound, func(data string) { first = append(first, data) })
	d.On(PlaySound, func(data string) { second = append(second, data) })

	assert.True(t, d.Dispatch(Message{Event: PlaySound, Data: "happy"}))
	assert.Empty(t, first, "re-registering replaces the earlier handler")
	assert.Equal(t, []string{"happy"}, second)
}

func TestDispatcher_UnknownEvent(t *testing.T) {
	d := NewDispatcher()
	d.On(PlaySound, func(string) { t.Fatal("wrong handler") })

	assert.False(t, d.Dispatch(Message{Event: "chat", Data: "hi"}))
}

func TestDispatcher_Remove(t *testing.T) {
	d := NewDispatcher()
	d.On(Session, func(string) {})
	d.On(Session, nil)

	assert.False(t, d.Dispatch(Message{Event: Session}))
}

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"event":"play sound","data":"xyz"}`))
	require.NoError(t, err)
	assert.Equal(t, Message{Event: PlaySound, Data: "xyz"}, msg)

	_, err = Decode([]byte(`{"data":"happy"}`))
	require.Error(t, err)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}
