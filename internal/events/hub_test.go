package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hyper-ai-inc/buildsession/internal/models"
)

func TestHubPublishOrder(t *testing.T) {
	hub := NewHub(nil)
	sub := NewSubscriber("a", 0)
	hub.Subscribe("p1", sub)

	for i := 0; i < 10; i++ {
		hub.Publish("p1", Output("p1", fmt.Sprintf("%d", i)))
	}

	got := sub.Drain()
	if len(got) != 10 {
		t.Fatalf("expected 10 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.Data.(string) != fmt.Sprintf("%d", i) {
			t.Errorf("event %d out of order: %v", i, ev.Data)
		}
	}
}

func TestHubProjectsAreIsolated(t *testing.T) {
	hub := NewHub(nil)
	a := NewSubscriber("a", 0)
	b := NewSubscriber("b", 0)
	hub.Subscribe("p1", a)
	hub.Subscribe("p2", b)

	hub.Publish("p1", Output("p1", "x"))

	if len(a.Drain()) != 1 {
		t.Error("subscriber of p1 should receive p1 events")
	}
	if len(b.Drain()) != 0 {
		t.Error("subscriber of p2 should not receive p1 events")
	}
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub(nil)
	subs := make([]*Subscriber, 3)
	for i := range subs {
		subs[i] = NewSubscriber(fmt.Sprintf("s%d", i), 0)
		hub.Subscribe("p1", subs[i])
	}

	hub.Publish("p1", BuildStarted("p1", "node"))

	for i, s := range subs {
		if n := len(s.Drain()); n != 1 {
			t.Errorf("subscriber %d got %d events", i, n)
		}
	}
	if hub.SubscriberCount("p1") != 3 {
		t.Errorf("expected 3 subscribers, got %d", hub.SubscriberCount("p1"))
	}
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub(nil)
	sub := NewSubscriber("a", 0)
	hub.Subscribe("p1", sub)
	hub.Subscribe("p2", sub)

	hub.Unsubscribe("p1", sub)
	hub.Publish("p1", Output("p1", "x"))
	if len(sub.Drain()) != 0 {
		t.Error("unsubscribed project should not deliver")
	}

	left := hub.UnsubscribeAll(sub)
	if len(left) != 1 || left[0] != "p2" {
		t.Errorf("expected [p2], got %v", left)
	}
	if hub.SubscriberCount("p2") != 0 {
		t.Error("expected no subscribers after UnsubscribeAll")
	}

	// Unknown pairs are ignored.
	hub.Unsubscribe("nope", sub)
}

func TestSubscriberDropsOldestAndResyncs(t *testing.T) {
	hub := NewHub(nil)
	sub := NewSubscriber("slow", 4)
	hub.Subscribe("p1", sub)

	for i := 0; i < 6; i++ {
		hub.Publish("p1", Output("p1", fmt.Sprintf("%d", i)))
	}

	got := sub.Drain()
	if len(got) != 5 {
		t.Fatalf("expected resync + 4 events, got %d", len(got))
	}
	if got[0].Type != TypeResync {
		t.Fatalf("expected resync first, got %s", got[0].Type)
	}
	if d := got[0].Data.(ResyncData).Dropped; d != 2 {
		t.Errorf("expected 2 dropped, got %d", d)
	}
	if got[1].Data.(string) != "2" || got[4].Data.(string) != "5" {
		t.Errorf("expected newest events 2..5, got %v..%v", got[1].Data, got[4].Data)
	}

	// The hint is sent once.
	hub.Publish("p1", Output("p1", "6"))
	got = sub.Drain()
	if len(got) != 1 || got[0].Type != TypeOutput {
		t.Errorf("expected a single output event, got %+v", got)
	}
}

func TestPublishDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	sub := NewSubscriber("never-drained", 1)
	hub.Subscribe("p1", sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			hub.Publish("p1", Output("p1", "x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if sub.Pending() != 1 {
		t.Errorf("queue should stay bounded at 1, got %d", sub.Pending())
	}
}

func TestSubscriberClose(t *testing.T) {
	sub := NewSubscriber("a", 0)
	sub.Close()
	sub.Close()

	if sub.Send(Output("p1", "x")) {
		t.Error("send after close should fail")
	}
	select {
	case <-sub.Done():
	default:
		t.Error("done should be closed")
	}
}

func TestConcurrentPublishersKeepPerProducerOrder(t *testing.T) {
	hub := NewHub(nil)
	sub := NewSubscriber("a", 10000)
	hub.Subscribe("p1", sub)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				hub.Publish("p1", Output("p1", fmt.Sprintf("%d:%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for _, ev := range sub.Drain() {
		var p, i int
		fmt.Sscanf(ev.Data.(string), "%d:%d", &p, &i)
		if i != last[p]+1 {
			t.Fatalf("producer %d: got %d after %d", p, i, last[p])
		}
		last[p] = i
	}
}

func TestEventWireShape(t *testing.T) {
	ev := EnvStatus(models.Environment{
		ProjectID: "p1",
		Status:    models.EnvRunning,
		PortMap:   map[int]int{3000: 49321},
	})
	data, err := ev.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var wire struct {
		Type      string `json:"type"`
		ProjectID string `json:"project_id"`
		Data      struct {
			Status  string         `json:"status"`
			PortMap map[string]int `json:"port_map"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.Type != "env_status" || wire.ProjectID != "p1" {
		t.Errorf("unexpected envelope: %s", data)
	}
	if wire.Data.Status != "running" || wire.Data.PortMap["3000"] != 49321 {
		t.Errorf("unexpected payload: %s", data)
	}
}
