package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"fleetforge/internal/bus"
)

type fakeConn struct {
	mu         sync.Mutex
	writes     [][]byte
	failWrites bool
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("broken pipe")
	}
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBridgeReferenceCountsSubscriptions(t *testing.T) {
	b := bus.New(16)
	bridge := NewBridge(b)
	topic := bus.InstanceEvents("inst-1")

	first := &wsClient{conn: &fakeConn{}}
	second := &wsClient{conn: &fakeConn{}}

	bridge.Attach(topic, first)
	bridge.Attach(topic, second)
	if n := b.SubscriberCount(topic); n != 1 {
		t.Fatalf("bus subscriptions = %d, want 1 shared", n)
	}

	bridge.Detach(topic, first)
	if n := b.SubscriberCount(topic); n != 1 {
		t.Errorf("bus subscriptions after partial detach = %d, want 1", n)
	}

	bridge.Detach(topic, second)
	if n := b.SubscriberCount(topic); n != 0 {
		t.Errorf("bus subscriptions after last detach = %d, want 0", n)
	}
}

func TestBridgeForwardsVerbatim(t *testing.T) {
	b := bus.New(16)
	bridge := NewBridge(b)
	topic := bus.InstanceEvents("inst-1")

	conn := &fakeConn{}
	client := &wsClient{conn: conn}
	bridge.Attach(topic, client)

	if err := b.Publish(topic, map[string]any{"eventType": "SUSPEND"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, "forwarded message", func() bool { return conn.writeCount() == 1 })
	conn.mu.Lock()
	payload := string(conn.writes[0])
	conn.mu.Unlock()
	if payload != `{"eventType":"SUSPEND"}` {
		t.Errorf("payload = %s, not forwarded verbatim", payload)
	}

	// A message on another topic never reaches this client
	if err := b.Publish(bus.InstanceEvents("inst-2"), map[string]any{"eventType": "RESUME"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if conn.writeCount() != 1 {
		t.Errorf("writes = %d, cross-topic leak", conn.writeCount())
	}
}

func TestBridgePrunesBrokenConnectionsOnSend(t *testing.T) {
	b := bus.New(16)
	bridge := NewBridge(b)
	topic := bus.InstanceMetrics("inst-1")

	healthy := &fakeConn{}
	broken := &fakeConn{failWrites: true}
	bridge.Attach(topic, &wsClient{conn: healthy})
	bridge.Attach(topic, &wsClient{conn: broken})

	if err := b.Publish(topic, map[string]any{"type": "metrics:update"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, "healthy delivery", func() bool { return healthy.writeCount() == 1 })

	// The broken connection is gone; the topic stays open for the
	// healthy one
	waitFor(t, "prune", func() bool {
		bridge.mu.Lock()
		defer bridge.mu.Unlock()
		relay, ok := bridge.relays[topic]
		if !ok {
			return false
		}
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return len(relay.conns) == 1
	})
	if n := b.SubscriberCount(topic); n != 1 {
		t.Errorf("bus subscriptions = %d, want 1", n)
	}
}

func TestBridgeAttachSurvivesConcurrentLastDetach(t *testing.T) {
	b := bus.New(16)
	bridge := NewBridge(b)
	topic := bus.InstanceEvents("inst-1")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				c := &wsClient{conn: &fakeConn{}}
				bridge.Attach(topic, c)
				bridge.Detach(topic, c)
			}
		}()
	}

	// Every attach lands on the live relay even when the topic's last
	// other connection detaches at the same time
	for i := 0; i < 50; i++ {
		conn := &fakeConn{}
		client := &wsClient{conn: conn}
		bridge.Attach(topic, client)
		if err := b.Publish(topic, map[string]any{"eventType": "SUSPEND"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		waitFor(t, "delivery to freshly attached client", func() bool {
			return conn.writeCount() >= 1
		})
		bridge.Detach(topic, client)
	}

	close(stop)
	wg.Wait()
}

func TestBridgeDetachAll(t *testing.T) {
	b := bus.New(16)
	bridge := NewBridge(b)
	client := &wsClient{conn: &fakeConn{}}

	topics := []string{
		bus.InstanceEvents("inst-1"),
		bus.InstanceMetrics("inst-1"),
		bus.DeploymentProgress("dep-1"),
	}
	for _, topic := range topics {
		bridge.Attach(topic, client)
	}

	bridge.DetachAll(client)
	for _, topic := range topics {
		if n := b.SubscriberCount(topic); n != 0 {
			t.Errorf("topic %s still has %d subscriptions", topic, n)
		}
	}
}
