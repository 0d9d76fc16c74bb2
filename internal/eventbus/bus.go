// Package eventbus implements the process-wide topic broker that carries
// every lifecycle and streaming event the engine emits. It generalizes a
// two-lane backpressure sink into a multi-subscriber, topic-prefix broker:
// publishers push typed events tagged with a channel identity, subscribers
// register a topic prefix (and optional channel filter) and receive a
// bounded, best-effort channel of their own.
package eventbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Config configures subscriber buffer sizes for the two delivery lanes.
type Config struct {
	// HighPriBuffer sizes the blocking lane (every non-droppable topic); it
	// drops only once the publisher's context is done.
	HighPriBuffer int
	// LowPriBuffer sizes the droppable lane (high-volume/low-value events).
	LowPriBuffer int
}

// DefaultConfig returns sensible defaults for the two delivery lanes.
func DefaultConfig() Config {
	return Config{HighPriBuffer: 32, LowPriBuffer: 256}
}

// Bus is a process-scoped event broker, passed as a dependency rather than
// held as global state.
type Bus struct {
	cfg Config

	mu   sync.RWMutex
	subs map[uint64]*subscription
	next uint64

	seqMu sync.Mutex
	seq   map[string]uint64 // per-publisher (channel_id) monotonic sequence
}

// New creates an event bus with the given subscriber buffer configuration.
func New(cfg Config) *Bus {
	if cfg.HighPriBuffer <= 0 {
		cfg.HighPriBuffer = 32
	}
	if cfg.LowPriBuffer <= 0 {
		cfg.LowPriBuffer = 256
	}
	return &Bus{
		cfg:  cfg,
		subs: make(map[uint64]*subscription),
		seq:  make(map[string]uint64),
	}
}

type subscription struct {
	prefix    string
	channelID string // empty = all channels
	highPri   chan models.Event
	lowPri    chan models.Event
	merged    chan models.Event
	dropped   uint64
	closed    uint32
	closeOnce sync.Once
}

// droppableTopics are high-volume/low-value topics that may be dropped
// under backpressure rather than block a publisher.
var droppableTopics = map[string]bool{
	models.TopicAgentThinking: true,
	models.TopicExecThinking:  true,
}

func isDroppable(topic string) bool {
	return droppableTopics[topic]
}

// Publish pushes an event to every matching subscriber. Publishing never
// fails: a slow subscriber's low-priority lane drops oldest-available
// events rather than block the publisher; high-priority (lifecycle)
// events block until there is room, and fall back to a drop-and-count
// only if the context is done.
func (b *Bus) Publish(ctx context.Context, e models.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Sequence = b.nextSeq(e.ChannelID)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(e) {
			continue
		}
		sub.emit(ctx, e)
	}
}

func (b *Bus) nextSeq(channelID string) uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	b.seq[channelID]++
	return b.seq[channelID]
}

func (s *subscription) matches(e models.Event) bool {
	if s.channelID != "" && s.channelID != e.ChannelID {
		return false
	}
	return s.prefix == "" || strings.HasPrefix(e.Topic, s.prefix)
}

func (s *subscription) emit(ctx context.Context, e models.Event) {
	if atomic.LoadUint32(&s.closed) == 1 {
		return
	}
	if isDroppable(e.Topic) {
		select {
		case s.lowPri <- e:
		default:
			// Lane full: evict the oldest queued event to make room.
			select {
			case <-s.lowPri:
				atomic.AddUint64(&s.dropped, 1)
			default:
			}
			select {
			case s.lowPri <- e:
			default:
				atomic.AddUint64(&s.dropped, 1)
			}
		}
		return
	}
	select {
	case s.highPri <- e:
	case <-ctx.Done():
		select {
		case s.highPri <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

func (s *subscription) mergeLoop() {
	defer close(s.merged)
	for {
		select {
		case e, ok := <-s.highPri:
			if !ok {
				for e := range s.lowPri {
					s.merged <- e
				}
				return
			}
			s.merged <- e
			continue
		default:
		}
		select {
		case e, ok := <-s.highPri:
			if !ok {
				for e := range s.lowPri {
					s.merged <- e
				}
				return
			}
			s.merged <- e
		case e, ok := <-s.lowPri:
			if ok {
				s.merged <- e
			}
		}
	}
}

func (s *subscription) close() {
	s.closeOnce.Do(func() {
		atomic.StoreUint32(&s.closed, 1)
		close(s.highPri)
		close(s.lowPri)
	})
}

// Subscribe registers interest in every topic with the given prefix,
// optionally filtered to a single channel identity (empty = all channels).
// It returns a bounded channel of matching events and an unsubscribe func.
// Subscription drops are not fatal; the caller may resubscribe at will.
func (b *Bus) Subscribe(prefix, channelID string) (<-chan models.Event, func()) {
	sub := &subscription{
		prefix:    prefix,
		channelID: channelID,
		highPri:   make(chan models.Event, b.cfg.HighPriBuffer),
		lowPri:    make(chan models.Event, b.cfg.LowPriBuffer),
		merged:    make(chan models.Event, b.cfg.HighPriBuffer),
	}
	go sub.mergeLoop()

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}
	return sub.merged, unsubscribe
}

// SubscriberCount returns the subscriber count currently registered; used by
// callers that want basic observability without reaching into internals.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
