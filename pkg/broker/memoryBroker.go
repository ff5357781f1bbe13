package broker

import (
	"context"
	"errors"
	"hash/fnv"
	"maps"
	"sync"

	"github.com/zoff-tech/go-remedy/schema"
)

const memoryQueueDepth = 1024

// memoryBroker is an in-process MessageBroker for unit tests and local
// single-binary mode. Each subscribed group shards its queue into partition
// channels by partition key and pins every partition to a single consumer,
// so per-key ordering holds even with several consumers in the group. A
// delivery dequeued at shutdown but not yet handed over is dropped, like
// the durable backends drop in-flight work on disconnect.
type memoryBroker struct {
	mu         sync.Mutex
	partitions int
	groups     map[string]map[string]*memoryGroup // keyed by topic, then group
	done       chan struct{}
	closed     bool
}

// NewMemoryBroker shards each group's queue into the given partition count;
// omitted or non-positive counts fall back to schema.DefaultPartitions.
func NewMemoryBroker(partitions ...int) MessageBroker {
	p := schema.DefaultPartitions
	if len(partitions) > 0 && partitions[0] > 0 {
		p = partitions[0]
	}
	return &memoryBroker{
		partitions: p,
		groups:     make(map[string]map[string]*memoryGroup),
		done:       make(chan struct{}),
	}
}

// memoryGroup is one consumer group's partitioned queue set. parts is
// immutable after creation; subs and changed are guarded by mu.
type memoryGroup struct {
	mu      sync.Mutex
	parts   []chan Message
	subs    []*memorySub
	changed chan struct{} // closed and replaced whenever subs changes
}

type memorySub struct {
	ctx context.Context
	in  chan Delivery
}

func (g *memoryGroup) addSub(s *memorySub) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, s)
	close(g.changed)
	g.changed = make(chan struct{})
}

func (g *memoryGroup) removeSub(s *memorySub) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, cur := range g.subs {
		if cur == s {
			g.subs = append(g.subs[:i], g.subs[i+1:]...)
			break
		}
	}
	close(g.changed)
	g.changed = make(chan struct{})
}

// owner returns the subscriber a partition is pinned to, or nil plus a
// channel that closes when group membership changes.
func (g *memoryGroup) owner(p int) (*memorySub, chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.subs) == 0 {
		return nil, g.changed
	}
	return g.subs[p%len(g.subs)], g.changed
}

// group returns the (topic, group) queue set, creating it and starting its
// partition dispatchers on first use. Caller holds m.mu.
func (m *memoryBroker) group(topic, name string) *memoryGroup {
	byGroup, ok := m.groups[topic]
	if !ok {
		byGroup = make(map[string]*memoryGroup)
		m.groups[topic] = byGroup
	}
	g, ok := byGroup[name]
	if !ok {
		g = &memoryGroup{
			parts:   make([]chan Message, m.partitions),
			changed: make(chan struct{}),
		}
		for i := range g.parts {
			g.parts[i] = make(chan Message, memoryQueueDepth)
		}
		byGroup[name] = g
		for p := range g.parts {
			go m.dispatch(g, p)
		}
	}
	return g
}

func partitionFor(key string, partitions int) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}

func (m *memoryBroker) Publish(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("broker closed")
	}

	headers := make(map[string]string, len(msg.Headers))
	maps.Copy(headers, msg.Headers)
	msg.Headers = headers

	for _, g := range m.groups[msg.Topic] {
		q := g.parts[partitionFor(msg.Key, len(g.parts))]
		select {
		case q <- msg:
		default:
			return errors.New("queue full")
		}
	}
	return nil
}

func (m *memoryBroker) Subscribe(ctx context.Context, topic, group string) (<-chan Delivery, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("broker closed")
	}
	g := m.group(topic, group)
	m.mu.Unlock()

	sub := &memorySub{ctx: ctx, in: make(chan Delivery)}
	g.addSub(sub)

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer g.removeSub(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-sub.in:
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// dispatch delivers one partition's messages in order. The partition stays
// pinned to one subscriber while membership is stable; with no subscribers
// the backlog waits for the next one.
func (m *memoryBroker) dispatch(g *memoryGroup, p int) {
	q := g.parts[p]
	for {
		select {
		case <-m.done:
			return
		case msg := <-q:
			d := Delivery{
				Message: msg,
				Ack:     func() error { return nil },
				Nack: func(requeue bool) error {
					if requeue {
						select {
						case q <- msg:
						default:
							return errors.New("queue full")
						}
					}
					return nil
				},
			}
			for {
				sub, changed := g.owner(p)
				if sub == nil {
					select {
					case <-changed:
						continue
					case <-m.done:
						return
					}
				}
				select {
				case sub.in <- d:
				case <-sub.ctx.Done():
					// Wait out the membership change the cancellation causes.
					select {
					case <-changed:
					case <-m.done:
						return
					}
					continue
				case <-m.done:
					return
				}
				break
			}
		}
	}
}

func (m *memoryBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
