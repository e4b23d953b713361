package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentctl/agentctl/internal/types"
)

func TestOpenAndEmit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	l, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	l.Emit(types.Event{TaskID: "t1", Kind: types.EventTaskStart})
	l.Emit(types.Event{TaskID: "t1", Kind: types.EventTaskComplete})
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	events, err := Reader(path)
	if err != nil {
		t.Fatalf("Reader failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != types.EventTaskStart || events[1].Kind != types.EventTaskComplete {
		t.Errorf("unexpected event kinds: %+v", events)
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	l, err := Open(path, 64) // tiny threshold forces rotation quickly
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		l.Emit(types.Event{TaskID: "t1", Kind: types.EventData, Payload: "chunk of output data here"})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	matches, err := filepath.Glob(path + "*")
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(matches) < 2 {
		t.Errorf("expected rotation to produce >1 file, got %d: %v", len(matches), matches)
	}
}

func TestReaderMissingFile(t *testing.T) {
	events, err := Reader(filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if events != nil {
		t.Errorf("expected nil events, got %v", events)
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	l, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	id, events := l.Subscribe()
	defer l.Unsubscribe(id)

	l.Emit(types.Event{TaskID: "t1", Kind: types.EventTaskStart})

	select {
	case ev := <-events:
		if ev.Kind != types.EventTaskStart {
			t.Errorf("expected task_start, got %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	l, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	id, events := l.Subscribe()
	l.Unsubscribe(id)

	if _, ok := <-events; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
}

func TestEmitKeepsPriorityEventsOffTheStreamDataQueue(t *testing.T) {
	// Exercise Emit directly against bare channels, without starting run(),
	// so a full stream-data queue can be observed rather than raced against
	// the writer goroutine draining it.
	l := &Log{
		queue:    make(chan types.Event, 2),
		priority: make(chan types.Event, 2),
	}
	for i := 0; i < 5; i++ {
		l.Emit(types.Event{Kind: types.EventData})
	}
	l.Emit(types.Event{Kind: types.EventTaskComplete})

	select {
	case ev := <-l.priority:
		if ev.Kind != types.EventTaskComplete {
			t.Errorf("expected task_complete on the priority queue, got %v", ev.Kind)
		}
	default:
		t.Fatal("priority event should have landed on its own queue despite the stream-data queue being full")
	}

	if l.Dropped() == 0 {
		t.Error("expected the saturated stream-data queue to have dropped at least one event")
	}
}

func TestEmitDropsOldestPriorityWhenPriorityQueueFull(t *testing.T) {
	l := &Log{
		queue:    make(chan types.Event, 4),
		priority: make(chan types.Event, 1),
	}
	l.Emit(types.Event{Kind: types.EventTaskComplete, TaskID: "first"})
	l.Emit(types.Event{Kind: types.EventTaskFailed, TaskID: "second"})

	select {
	case ev := <-l.priority:
		if ev.TaskID != "second" {
			t.Errorf("expected the newest priority event to survive, got task %q", ev.TaskID)
		}
	default:
		t.Fatal("expected a priority event to remain queued")
	}
}

func TestEmitFillsTimestamp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	l, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	before := time.Now().UTC()
	l.Emit(types.Event{TaskID: "t1", Kind: types.EventTaskStart})
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	events, _ := Reader(path)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Timestamp.Before(before.Add(-time.Second)) {
		t.Errorf("expected timestamp near %v, got %v", before, events[0].Timestamp)
	}
}
