package relay

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// collectingSub returns a subscriber whose deliveries accumulate into
// the returned slice, guarded by the returned mutex.
func collectingSub(key string) (*Subscriber, *[]string, *sync.Mutex) {
	var mu sync.Mutex
	var got []string
	sub := NewSubscriber(key, func(payload []byte) error {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
		return nil
	})
	return sub, &got, &mu
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestStreamKey(t *testing.T) {
	cases := []struct {
		tunnel, session string
		kind            Kind
		want            string
	}{
		{"t1", "s1", KindTerminal, "t1:s1:terminal"},
		{"t1", "", KindAgent, "t1:agent"},
		{"t1", "s1", KindSSERecording, "t1:s1:sse-recording"},
	}
	for _, c := range cases {
		if got := StreamKey(c.tunnel, c.session, c.kind); got != c.want {
			t.Errorf("StreamKey(%q,%q,%q) = %q, want %q", c.tunnel, c.session, c.kind, got, c.want)
		}
	}
}

func TestBroadcastFIFOPerSubscriber(t *testing.T) {
	r := NewStreamRegistry()
	sub, got, mu := collectingSub("k")
	r.Register("k", sub)

	for _, msg := range []string{"a", "b", "c", "d"} {
		r.Broadcast("k", []byte(msg))
	}

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(*got) == 4 })
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"a", "b", "c", "d"} {
		if (*got)[i] != want {
			t.Errorf("delivery %d = %q, want %q", i, (*got)[i], want)
		}
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	r := NewStreamRegistry()
	sub1, got1, mu1 := collectingSub("k")
	sub2, got2, mu2 := collectingSub("k")
	r.Register("k", sub1)
	r.Register("k", sub2)

	r.Broadcast("k", []byte("x"))

	waitFor(t, func() bool {
		mu1.Lock()
		n1 := len(*got1)
		mu1.Unlock()
		mu2.Lock()
		n2 := len(*got2)
		mu2.Unlock()
		return n1 == 1 && n2 == 1
	})
}

func TestUnregisterDropsEmptyKey(t *testing.T) {
	r := NewStreamRegistry()
	sub, _, _ := collectingSub("k")
	r.Register("k", sub)
	if r.SubscriberCount("k") != 1 {
		t.Fatalf("count = %d", r.SubscriberCount("k"))
	}
	r.Unregister("k", sub)
	if r.SubscriberCount("k") != 0 {
		t.Errorf("count after unregister = %d", r.SubscriberCount("k"))
	}
	if !sub.Closed() {
		t.Error("unregister must close the subscriber")
	}
}

func TestFailingSubscriberIsPruned(t *testing.T) {
	r := NewStreamRegistry()
	sub := NewSubscriber("k", func([]byte) error { return errFailed })
	r.Register("k", sub)

	r.Broadcast("k", []byte("x"))
	waitFor(t, sub.Closed)

	// The next broadcast notices the dead subscriber and removes it.
	r.Broadcast("k", []byte("y"))
	if r.SubscriberCount("k") != 0 {
		t.Errorf("dead subscriber not pruned, count = %d", r.SubscriberCount("k"))
	}
}

func TestSlowSubscriberKeepsNewestFrame(t *testing.T) {
	r := NewStreamRegistry()
	gate := make(chan struct{})
	var mu sync.Mutex
	var got []string
	sub := NewSubscriber("k", func(payload []byte) error {
		<-gate
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
		return nil
	})
	r.Register("k", sub)

	// Overflow the queue while the writer is stuck; old frames shed,
	// the last one must survive.
	for i := 0; i < subscriberQueueDepth+50; i++ {
		r.Broadcast("k", []byte(fmt.Sprintf("frame %d", i)))
	}
	r.Broadcast("k", []byte("final"))
	close(gate)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == "final"
	})
}

func TestCloseTunnelShutsMatchingStreams(t *testing.T) {
	r := NewStreamRegistry()
	sub1, _, _ := collectingSub("t1:s1:terminal")
	sub2, _, _ := collectingSub("t2:s1:terminal")
	r.Register("t1:s1:terminal", sub1)
	r.Register("t2:s1:terminal", sub2)

	r.CloseTunnel("t1")

	if !sub1.Closed() {
		t.Error("t1 subscriber must be closed")
	}
	if sub2.Closed() {
		t.Error("t2 subscriber must survive")
	}
	if r.SubscriberCount("t1:s1:terminal") != 0 {
		t.Error("t1 key must be dropped")
	}
}

var errFailed = &netError{}

type netError struct{}

func (*netError) Error() string { return "write failed" }
