package session

import (
	"testing"
	"time"
)

func TestEmitterFanOut(t *testing.T) {
	e := NewEmitter()
	a := e.Subscribe(8)
	b := e.Subscribe(8)

	e.Emit(Event{Type: EventTurnScreen, Text: "menu"})
	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Type != EventTurnScreen || ev.Text != "menu" {
				t.Errorf("got %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestEmitterDropsWhenSubscriberFull(t *testing.T) {
	e := NewEmitter()
	slow := e.Subscribe(1)
	fast := e.Subscribe(8)

	for i := 0; i < 5; i++ {
		e.Emit(Event{Type: EventTurnThinking, Turn: i})
	}

	// The slow subscriber kept only the first event.
	ev := <-slow
	if ev.Turn != 0 {
		t.Errorf("slow subscriber got turn %d, want 0", ev.Turn)
	}
	select {
	case ev := <-slow:
		t.Errorf("slow subscriber got extra event %+v", ev)
	default:
	}

	// The fast one saw all five.
	for i := 0; i < 5; i++ {
		if ev := <-fast; ev.Turn != i {
			t.Errorf("fast subscriber got turn %d, want %d", ev.Turn, i)
		}
	}
}

func TestEmitterClose(t *testing.T) {
	e := NewEmitter()
	ch := e.Subscribe(1)
	e.Close()

	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}

	// Emit and double Close after Close are harmless.
	e.Emit(Event{Type: EventError})
	e.Close()

	if _, ok := <-e.Subscribe(1); ok {
		t.Error("Subscribe after Close returned an open channel")
	}
}
