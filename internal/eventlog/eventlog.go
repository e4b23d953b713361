// Package eventlog implements an append-only JSONL sink: every state
// transition and stream chunk produces at least one event, writes are
// non-blocking for the producer, and rotation never loses an in-flight
// write.
//
// The append pattern (O_APPEND|O_CREATE|O_WRONLY, one write per event) is
// carried over from the pool package's recordEvent/GetChain helpers.
// Rotation renames the current file aside under the writer's lock; the next
// write recreates the file at the original path.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentctl/agentctl/internal/types"
)

const (
	// DefaultMaxBytes is the rotation threshold when none is configured.
	DefaultMaxBytes = 64 * 1024 * 1024

	// bufferCap bounds the in-memory queue of pending stream-data writes;
	// on overflow the oldest entry in this queue is dropped.
	bufferCap = 4096

	// priorityBufferCap bounds the separate queue for state-transition
	// events. Keeping it on its own channel means a saturated stream-data
	// queue can never cause a priority event to be evicted in its place;
	// only another priority event, once this much smaller buffer is itself
	// full, can be dropped.
	priorityBufferCap = 256
)

// Log is the non-blocking, append-only event sink. Producers call Emit,
// which enqueues the event and returns immediately; a single background
// goroutine serializes all writes.
type Log struct {
	path       string
	maxBytes   int64
	mu         sync.Mutex // guards path/size swap during rotation
	size       int64

	queue    chan types.Event
	priority chan types.Event
	done     chan struct{}
	closed   chan struct{}

	droppedMu sync.Mutex
	dropped   int64

	subMu   sync.Mutex
	subs    map[int]chan types.Event
	nextSub int
}

// Open creates or appends to the JSONL file at path and starts the writer
// goroutine. maxBytes <= 0 uses DefaultMaxBytes.
func Open(path string, maxBytes int64) (*Log, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("eventlog: create dir: %w", err)
	}
	info, err := os.Stat(path)
	var size int64
	if err == nil {
		size = info.Size()
	}

	l := &Log{
		path:     path,
		maxBytes: maxBytes,
		size:     size,
		queue:    make(chan types.Event, bufferCap),
		priority: make(chan types.Event, priorityBufferCap),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
		subs:     make(map[int]chan types.Event),
	}
	go l.run()
	return l, nil
}

// Emit enqueues an event for writing. Non-blocking: if the relevant queue
// is full, the event is dropped and counted (Dropped) rather than blocking
// the producer. State-transition kinds (isPriorityKind) go onto their own
// queue so a saturated stream-data queue never costs them a slot; only
// another priority event, once that separate queue is itself full, can
// displace one.
func (l *Log) Emit(ev types.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if isPriorityKind(ev.Kind) {
		select {
		case l.priority <- ev:
		default:
			// Make room by dropping the oldest priority event, then enqueue.
			select {
			case <-l.priority:
				l.countDrop()
			default:
			}
			select {
			case l.priority <- ev:
			default:
				l.countDrop()
			}
		}
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.countDrop()
	}
}

func isPriorityKind(k types.EventKind) bool {
	switch k {
	case types.EventTaskUpdate, types.EventTaskComplete, types.EventTaskFailed,
		types.EventVerificationPass, types.EventVerificationFail,
		types.EventPhaseComplete, types.EventPhaseTimeout, types.EventPhaseViolation:
		return true
	default:
		return false
	}
}

func (l *Log) countDrop() {
	l.droppedMu.Lock()
	l.dropped++
	l.droppedMu.Unlock()
}

// Dropped returns the number of events discarded for backpressure so far.
func (l *Log) Dropped() int64 {
	l.droppedMu.Lock()
	defer l.droppedMu.Unlock()
	return l.dropped
}

// subscriberBufferCap bounds each subscriber's channel; a slow consumer
// drops events rather than stalling the writer goroutine.
const subscriberBufferCap = 256

// Subscribe registers a live listener for every event this Log writes,
// used by the control plane to stream events to connected clients. The
// returned channel is closed by Unsubscribe. Events that arrive while the
// channel's buffer is full are dropped for that subscriber.
func (l *Log) Subscribe() (id int, events <-chan types.Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	id = l.nextSub
	l.nextSub++
	ch := make(chan types.Event, subscriberBufferCap)
	l.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (l *Log) Unsubscribe(id int) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if ch, ok := l.subs[id]; ok {
		delete(l.subs, id)
		close(ch)
	}
}

func (l *Log) broadcast(ev types.Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than block the writer.
		}
	}
}

func (l *Log) run() {
	defer close(l.closed)
	for {
		// A priority event waiting right now always goes out before the
		// next stream-data event, even though a plain select across both
		// channels would pick between ready cases at random.
		select {
		case ev := <-l.priority:
			l.write(ev)
			l.broadcast(ev)
			continue
		default:
		}
		select {
		case ev := <-l.priority:
			l.write(ev)
			l.broadcast(ev)
		case ev := <-l.queue:
			l.write(ev)
			l.broadcast(ev)
		case <-l.done:
			for l.drainOnce() {
			}
			return
		}
	}
}

// drainOnce writes and broadcasts one pending event, preferring the
// priority queue, and reports whether it found anything to do.
func (l *Log) drainOnce() bool {
	select {
	case ev := <-l.priority:
		l.write(ev)
		l.broadcast(ev)
		return true
	default:
	}
	select {
	case ev := <-l.queue:
		l.write(ev)
		l.broadcast(ev)
		return true
	default:
		return false
	}
}

func (l *Log) write(ev types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size+int64(len(data)) > l.maxBytes {
		l.rotateLocked()
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return
	}
	n, _ := f.Write(data)
	_ = f.Close()
	l.size += int64(n)
}

// rotateLocked renames the current file aside to <path>.<unixnano>.
// Must be called with l.mu held. The rename is atomic on POSIX filesystems
// so a writer never observes a half-rotated file.
func (l *Log) rotateLocked() {
	if l.size == 0 {
		return
	}
	rotated := fmt.Sprintf("%s.%d", l.path, time.Now().UnixNano())
	if err := os.Rename(l.path, rotated); err != nil {
		return
	}
	l.size = 0
}

// Close stops the writer goroutine after draining the queue.
func (l *Log) Close() error {
	close(l.done)
	<-l.closed
	return nil
}

// Reader reads all events currently on disk at path, in file order. The
// control plane does not replay events on connect; reading the file with
// Reader is the way to see past events.
func Reader(path string) ([]types.Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []types.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var ev types.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}
