package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingBus struct {
	events []string
	err    error
}

func (r *recordingBus) Emit(event string, payload any) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutBusForwardsToEveryInnerBus(t *testing.T) {
	a := &recordingBus{}
	b := &recordingBus{}
	f := NewFanoutBus(a, b)

	err := f.Emit("device_upsert", "payload")

	assert.NoError(t, err)
	assert.Equal(t, []string{"device_upsert"}, a.events)
	assert.Equal(t, []string{"device_upsert"}, b.events)
}

func TestFanoutBusStillDeliversToLaterBusesAfterEarlierError(t *testing.T) {
	failing := &recordingBus{err: errors.New("boom")}
	ok := &recordingBus{}
	f := NewFanoutBus(failing, ok)

	err := f.Emit("activity_event", nil)

	assert.Error(t, err)
	assert.Equal(t, []string{"activity_event"}, ok.events, "a failure in one bus must not suppress delivery to the rest")
}

func TestNoopBusDiscardsEverything(t *testing.T) {
	b := NewNoopBus()
	assert.NoError(t, b.Emit("anything", nil))
}
