package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitInvokesAllRegisteredHandlers(t *testing.T) {
	bus := New[string](0)
	var got []string

	_, err := bus.On("CHANGE", func(event string) { got = append(got, "first:"+event) })
	assert.NoError(t, err)
	_, err = bus.On("CHANGE", func(event string) { got = append(got, "second:"+event) })
	assert.NoError(t, err)

	bus.Emit("CHANGE", "doc-1")
	assert.ElementsMatch(t, []string{"first:doc-1", "second:doc-1"}, got)
}

func TestOffRemovesOnlyThatHandler(t *testing.T) {
	bus := New[int](0)
	var firstCalls, secondCalls int

	tok1, _ := bus.On("PEER", func(int) { firstCalls++ })
	_, _ = bus.On("PEER", func(int) { secondCalls++ })

	bus.Off("PEER", tok1)
	bus.Emit("PEER", 1)

	assert.Equal(t, 0, firstCalls)
	assert.Equal(t, 1, secondCalls)
}

func TestListenerCapIsEnforcedPerBusNotGlobally(t *testing.T) {
	busA := New[int](2)
	busB := New[int](2)

	_, err := busA.On("PEER", func(int) {})
	assert.NoError(t, err)
	_, err = busA.On("PEER", func(int) {})
	assert.NoError(t, err)
	_, err = busA.On("PEER", func(int) {})
	assert.Error(t, err)

	// busB's cap is independent of busA's usage.
	_, err = busB.On("PEER", func(int) {})
	assert.NoError(t, err)
}

func TestDefaultCapAppliesWhenZeroGiven(t *testing.T) {
	bus := New[int](0)
	for i := 0; i < DefaultListenerCap; i++ {
		_, err := bus.On("CHANGE", func(int) {})
		assert.NoError(t, err)
	}
	_, err := bus.On("CHANGE", func(int) {})
	assert.Error(t, err)
}

func TestEmitSnapshotsBeforeDispatchingSoHandlersCanUnregisterThemselves(t *testing.T) {
	bus := New[int](0)
	var calls int
	var tok Token
	tok, _ = bus.On("CHANGE", func(int) {
		calls++
		bus.Off("CHANGE", tok)
	})

	bus.Emit("CHANGE", 1)
	bus.Emit("CHANGE", 1)

	assert.Equal(t, 1, calls)
}
