package platform

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	in := Event{Text: "hi", Private: true}
	out := Event{Text: ".test", Outgoing: true}
	group := Event{Text: "hi"}

	assert.True(t, Filter{}.Match(in))
	assert.True(t, Filter{Incoming: true}.Match(in))
	assert.False(t, Filter{Incoming: true}.Match(out))
	assert.True(t, Filter{Outgoing: true}.Match(out))
	assert.False(t, Filter{Outgoing: true}.Match(in))
	assert.False(t, Filter{PrivateOnly: true}.Match(group))
	assert.True(t, Filter{Pattern: regexp.MustCompile(`^\.test$`)}.Match(out))
	assert.False(t, Filter{Pattern: regexp.MustCompile(`^\.test$`)}.Match(in))
}

func TestMuxDispatchAndCancel(t *testing.T) {
	var m Mux
	var got []string
	subA := m.On(Filter{}, func(_ context.Context, ev Event) error {
		got = append(got, "a:"+ev.Text)
		return nil
	})
	m.On(Filter{Outgoing: true}, func(_ context.Context, ev Event) error {
		got = append(got, "b:"+ev.Text)
		return nil
	})
	require.Equal(t, 2, m.Len())

	m.Dispatch(context.Background(), Event{Text: "x", Outgoing: true})
	assert.Equal(t, []string{"a:x", "b:x"}, got)

	subA.Cancel()
	subA.Cancel()
	require.Equal(t, 1, m.Len())

	got = nil
	m.Dispatch(context.Background(), Event{Text: "y"})
	assert.Empty(t, got)
}

func TestMuxIsolatesFailingHandlers(t *testing.T) {
	var m Mux
	reached := false
	m.On(Filter{}, func(context.Context, Event) error { panic("boom") })
	m.On(Filter{}, func(context.Context, Event) error { return errors.New("fail") })
	m.On(Filter{}, func(context.Context, Event) error {
		reached = true
		return nil
	})
	m.Dispatch(context.Background(), Event{Text: "hi"})
	assert.True(t, reached)
}

func TestSelfDisplayName(t *testing.T) {
	assert.Equal(t, "Ann", Self{FirstName: "Ann", Username: "ann"}.DisplayName())
	assert.Equal(t, "@ann", Self{Username: "ann"}.DisplayName())
	assert.Equal(t, "unknown", Self{}.DisplayName())
}
