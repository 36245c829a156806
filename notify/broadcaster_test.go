package notify

import "testing"

func TestSubscribeReceivesNotifiedEvent(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.Subscribe(4)
	defer unsubscribe()

	b.NotifyCommandStatus(CommandStatus{SessionID: "S1", CommandID: "C1", Status: StateCompleted})

	select {
	case evt := <-ch:
		if evt.Kind != KindCommandStatus {
			t.Fatalf("got kind %v", evt.Kind)
		}
		if evt.CommandStatus.CommandID != "C1" {
			t.Errorf("got commandId %q", evt.CommandStatus.CommandID)
		}
	default:
		t.Fatal("expected an event to be delivered")
	}
}

func TestFullSubscriberChannelDropsRatherThanBlocks(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.Subscribe(1)
	defer unsubscribe()

	for i := 0; i < 10; i++ {
		b.NotifyCommandHeartbeat(CommandHeartbeat{CommandID: "C1"})
	}

	if len(ch) != 1 {
		t.Errorf("expected the buffered channel to hold exactly 1 event, got %d", len(ch))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.Subscribe(1)
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Error("expected the channel to be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestShutdownClosesAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1, _ := b.Subscribe(1)
	ch2, _ := b.Subscribe(1)

	b.Shutdown()

	if _, ok := <-ch1; ok {
		t.Error("expected ch1 closed")
	}
	if _, ok := <-ch2; ok {
		t.Error("expected ch2 closed")
	}

	// Notifying after shutdown must not panic.
	b.NotifySessionRecovery(SessionRecovery{Reason: "test"})
}

func TestDoubleUnsubscribeIsSafe(t *testing.T) {
	b := NewBroadcaster()
	_, unsubscribe := b.Subscribe(1)
	unsubscribe()
	unsubscribe() // must not panic on double-close
}
