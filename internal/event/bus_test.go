package event

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	received := make(chan Event, 1)
	unsub := bus.Subscribe(SessionStatus, func(e Event) {
		received <- e
	})
	defer unsub()

	bus.Publish(Event{Type: SessionStatus, Data: SessionStatusData{SessionID: "s1", Status: "busy"}})

	select {
	case e := <-received:
		data, ok := e.Data.(SessionStatusData)
		if !ok {
			t.Fatalf("Expected SessionStatusData, got %T", e.Data)
		}
		if data.SessionID != "s1" || data.Status != "busy" {
			t.Errorf("Unexpected data %+v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SessionStatus})
	bus.Publish(Event{Type: PartUpdated})
	bus.Publish(Event{Type: CodexExited})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if atomic.LoadInt32(&count) != 3 {
			t.Errorf("Expected 3 events, got %d", count)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for events")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	unsub := bus.Subscribe(PermissionUpdated, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Type: PermissionUpdated})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected 1 event before unsub, got %d", count)
	}

	unsub()

	bus.PublishSync(Event{Type: PermissionUpdated})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected still 1 event after unsub, got %d", count)
	}
}

func TestBus_PublishSyncKeepsOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var deltas []string
	bus.Subscribe(PartUpdated, func(e Event) {
		deltas = append(deltas, e.Data.(MessagePartUpdatedData).Delta)
	})

	for _, d := range []string{"a", "b", "c", "d"} {
		bus.PublishSync(Event{Type: PartUpdated, Data: MessagePartUpdatedData{Delta: d}})
	}

	if got := len(deltas); got != 4 {
		t.Fatalf("Expected 4 deltas, got %d", got)
	}
	for i, want := range []string{"a", "b", "c", "d"} {
		if deltas[i] != want {
			t.Errorf("delta %d: expected %q, got %q", i, want, deltas[i])
		}
	}
}

func TestBus_EventTypeFiltering(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var statusCount, errorCount int32
	bus.Subscribe(SessionStatus, func(e Event) {
		atomic.AddInt32(&statusCount, 1)
	})
	bus.Subscribe(SessionError, func(e Event) {
		atomic.AddInt32(&errorCount, 1)
	})

	bus.PublishSync(Event{Type: SessionStatus})
	bus.PublishSync(Event{Type: SessionStatus})
	bus.PublishSync(Event{Type: SessionError})

	if atomic.LoadInt32(&statusCount) != 2 {
		t.Errorf("Expected 2 status events, got %d", statusCount)
	}
	if atomic.LoadInt32(&errorCount) != 1 {
		t.Errorf("Expected 1 error event, got %d", errorCount)
	}
}

func TestBus_StreamMirrorsJSON(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := bus.Stream(ctx)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	bus.PublishSync(Event{Type: CodexExited, Data: CodexExitedData{Pid: 42, ExitCode: 1}})

	select {
	case msg := <-msgs:
		msg.Ack()
		var decoded struct {
			Type       EventType       `json:"type"`
			Properties CodexExitedData `json:"properties"`
		}
		if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if decoded.Type != CodexExited {
			t.Errorf("Expected %s, got %s", CodexExited, decoded.Type)
		}
		if decoded.Properties.ExitCode != 1 || decoded.Properties.Pid != 42 {
			t.Errorf("Unexpected properties %+v", decoded.Properties)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for mirrored message")
	}
}

func TestBus_ClosedDropsEvents(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	bus.PublishSync(Event{Type: SessionStatus})
	bus.Publish(Event{Type: SessionStatus})
	unsub := bus.Subscribe(SessionStatus, func(e Event) {
		atomic.AddInt32(&count, 1)
	})
	unsub()

	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("Expected no events after close, got %d", count)
	}
	if _, err := bus.Stream(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Stream after close: got %v, want ErrClosed", err)
	}
}

func TestBus_ConcurrentSubscribePublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(PartUpdated, func(e Event) {
				atomic.AddInt32(&count, 1)
			})
			defer unsub()

			for j := 0; j < 10; j++ {
				bus.PublishSync(Event{Type: PartUpdated})
			}
		}()
	}

	wg.Wait()
	if atomic.LoadInt32(&count) == 0 {
		t.Error("Expected at least one delivered event")
	}
}

func TestBus_FeedKeepsPublishOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	events, cancel, err := bus.Feed(512)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	defer cancel()

	for i := 0; i < 500; i++ {
		bus.PublishSync(Event{Type: PartUpdated, Data: i})
	}
	for i := 0; i < 500; i++ {
		e := <-events
		if e.Data.(int) != i {
			t.Fatalf("event %d arrived as %v", i, e.Data)
		}
	}
}

func TestBus_FeedClosesWhenConsumerFallsBehind(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	events, cancel, err := bus.Feed(2)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	defer cancel()

	for i := 0; i < 3; i++ {
		bus.PublishSync(Event{Type: SessionStatus, Data: i})
	}
	var got []int
	for e := range events {
		got = append(got, e.Data.(int))
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("Expected the buffered prefix [0 1], got %v", got)
	}
}

func TestBus_FeedClosedByCancelAndClose(t *testing.T) {
	bus := NewBus()

	first, cancel, err := bus.Feed(1)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	cancel()
	cancel()
	if _, ok := <-first; ok {
		t.Error("Expected cancelled feed to be closed")
	}
	bus.PublishSync(Event{Type: SessionStatus})

	second, _, err := bus.Feed(1)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	bus.Close()
	if _, ok := <-second; ok {
		t.Error("Expected feed to close with the bus")
	}

	if _, _, err := bus.Feed(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Feed after close: got %v, want ErrClosed", err)
	}
}

func TestBus_RecordWritesJSONLines(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- bus.Record(ctx, pw)
		pw.Close()
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	// Record subscribes asynchronously, so publish until a line shows up.
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	var line string
	deadline := time.After(2 * time.Second)
wait:
	for {
		select {
		case line = <-lines:
			break wait
		case <-ticker.C:
			bus.Publish(Event{Type: CodexExited, Data: CodexExitedData{Pid: 7, ExitCode: 3}})
		case <-deadline:
			t.Fatal("Timed out waiting for a recorded line")
		}
	}

	var decoded struct {
		Type       EventType       `json:"type"`
		Properties CodexExitedData `json:"properties"`
	}
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("decode line %q: %v", line, err)
	}
	if decoded.Type != CodexExited || decoded.Properties.ExitCode != 3 {
		t.Errorf("Unexpected line %q", line)
	}

	cancel()
	go func() {
		for range lines {
		}
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Record: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Record did not stop with its context")
	}
}
