package eventbus

import "testing"

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: UserRegistered, Name: "alice"})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != UserRegistered || e.Name != "alice" || e.Time.IsZero() {
			t.Fatalf("event = %+v", e)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: CarrotsAwarded})
	b.Publish(Event{Type: CarrotsAwarded})
	pub, dropped := b.Stats()
	if pub != 2 || dropped != 1 {
		t.Fatalf("stats = %d published, %d dropped", pub, dropped)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: HorseAdopted})

	var nilBus *Bus
	nilBus.Publish(Event{Type: ChatAuthorized})
}
