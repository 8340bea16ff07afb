package event

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/supvisors/supvisors/pkg/types"
)

func TestBus_TopicFiltering(t *testing.T) {
	t.Parallel()

	bus := NewBus(zerolog.Nop())
	defer bus.Close()

	all, cancelAll := bus.Subscribe(8)
	defer cancelAll()
	onlyProcess, cancelProcess := bus.Subscribe(8, types.TopicProcess)
	defer cancelProcess()

	bus.Publish(types.TopicAddress, "a")
	bus.Publish(types.TopicProcess, "p")

	if msg := <-all; msg.Topic != types.TopicAddress {
		t.Errorf("first delta = %v", msg.Topic)
	}
	if msg := <-all; msg.Topic != types.TopicProcess {
		t.Errorf("second delta = %v", msg.Topic)
	}
	if msg := <-onlyProcess; msg.Topic != types.TopicProcess || msg.Payload != "p" {
		t.Errorf("filtered delta = %v", msg)
	}
	select {
	case msg := <-onlyProcess:
		t.Errorf("unexpected delta %v", msg)
	default:
	}
}

func TestBus_SlowSubscriberDropsDeltas(t *testing.T) {
	t.Parallel()

	bus := NewBus(zerolog.Nop())
	defer bus.Close()

	slow, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(types.TopicSupvisors, 1)
	bus.Publish(types.TopicSupvisors, 2) // dropped, buffer full

	if msg := <-slow; msg.Payload != 1 {
		t.Errorf("payload = %v", msg.Payload)
	}
	select {
	case msg := <-slow:
		t.Errorf("unexpected delta %v", msg)
	default:
	}
}

func TestBus_OrderingPerSubscriber(t *testing.T) {
	t.Parallel()

	bus := NewBus(zerolog.Nop())
	defer bus.Close()

	ch, cancel := bus.Subscribe(16)
	defer cancel()

	for i := 0; i < 10; i++ {
		bus.Publish(types.TopicProcess, i)
	}
	for i := 0; i < 10; i++ {
		if msg := <-ch; msg.Payload != i {
			t.Fatalf("delta %d out of order: %v", i, msg.Payload)
		}
	}
}

func TestBus_CloseClosesChannels(t *testing.T) {
	t.Parallel()

	bus := NewBus(zerolog.Nop())
	ch, _ := bus.Subscribe(1)
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}
	// Publishing after Close is a no-op.
	bus.Publish(types.TopicProcess, "late")
}

func TestBus_CancelTwice(t *testing.T) {
	t.Parallel()

	bus := NewBus(zerolog.Nop())
	defer bus.Close()
	_, cancel := bus.Subscribe(1)
	cancel()
	cancel()
}
