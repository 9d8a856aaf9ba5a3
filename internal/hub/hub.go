// Package hub fans out per-workspace chat channels plus a global
// metadata channel. On subscribe, a client replays buffered history
// then tails live events; a subscriber that cannot keep up is
// disconnected rather than allowed to block producers. Sessions are
// producers writing into the hub; the hub holds no reference back into
// any session, so there is no mutual callback cycle.
package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/coder/cmux/internal/metrics"
)

// ErrPurged is returned by Subscribe when the requested resumption point
// has already fallen out of the retained window.
var ErrPurged = errors.New("hub: requested index has been purged")

const subscriberQueueSize = 256

// Message is what a subscriber receives: the channel it arrived on and
// its payload, matching the wire shape of the WS server frames.
type Message struct {
	Channel string `json:"channel"`
	Args    []any  `json:"args"`
}

// Subscription is a live tail handle. Events arrive on C until Close is
// called or the hub drops the subscriber for falling behind.
type Subscription struct {
	C      <-chan Message
	Closed <-chan error // receives a single error if the hub force-closed this subscriber

	hub     *Hub
	channel string
	id      uint64
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s.channel, s.id)
}

type subscriber struct {
	id     uint64
	queue  chan Message
	closed chan error
}

type topic struct {
	mu          sync.Mutex
	buffer      *ringBuffer
	subscribers map[uint64]*subscriber
}

// Hub fans out workspace chat and metadata events to subscribers.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	nextID uint64
}

func New() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

func workspaceChatChannel(workspaceID string) string {
	return fmt.Sprintf("workspace:chat:%s", workspaceID)
}

const WorkspaceMetadataChannel = "workspace:metadata"

func (h *Hub) topicFor(channel string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[channel]
	if !ok {
		t = &topic{buffer: newRingBuffer(DefaultBufferSize), subscribers: map[uint64]*subscriber{}}
		h.topics[channel] = t
	}
	return t
}

// PublishChat publishes payload on a workspace's chat channel in
// emission order. No ordering is promised across workspaces.
func (h *Hub) PublishChat(workspaceID string, payload any) {
	h.publish(workspaceChatChannel(workspaceID), payload)
}

// PublishMetadata publishes a workspace-metadata event globally. A nil
// payload signals deletion of that workspace.
func (h *Hub) PublishMetadata(payload any) {
	h.publish(WorkspaceMetadataChannel, payload)
}

func (h *Hub) publish(channel string, payload any) {
	t := h.topicFor(channel)
	t.buffer.append(payload)

	t.mu.Lock()
	defer t.mu.Unlock()
	msg := Message{Channel: channel, Args: []any{payload}}
	for id, sub := range t.subscribers {
		select {
		case sub.queue <- msg:
		default:
			// Slow subscriber: bounded queue overflowed. Drop it rather
			// than block the producer.
			metrics.RecordEventDrop(channel)
			sub.closed <- errors.New("disconnected: too slow to keep up")
			close(sub.queue)
			delete(t.subscribers, id)
		}
	}
}

// SubscribeChat replays buffered chat events for workspaceID since
// afterIndex (-1 for "from the start") then tails live ones.
func (h *Hub) SubscribeChat(workspaceID string, afterIndex int64) (*Subscription, []any, error) {
	return h.subscribe(workspaceChatChannel(workspaceID), afterIndex)
}

// SubscribeMetadata tails the global metadata channel; there is no
// durable history to replay beyond the buffered window.
func (h *Hub) SubscribeMetadata(afterIndex int64) (*Subscription, []any, error) {
	return h.subscribe(WorkspaceMetadataChannel, afterIndex)
}

func (h *Hub) subscribe(channel string, afterIndex int64) (*Subscription, []any, error) {
	t := h.topicFor(channel)
	backlog, err := t.buffer.since(afterIndex)
	if err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.mu.Unlock()

	sub := &subscriber{id: id, queue: make(chan Message, subscriberQueueSize), closed: make(chan error, 1)}

	t.mu.Lock()
	t.subscribers[id] = sub
	t.mu.Unlock()

	return &Subscription{C: sub.queue, Closed: sub.closed, hub: h, channel: channel, id: id}, backlog, nil
}

func (h *Hub) unsubscribe(channel string, id uint64) {
	t := h.topicFor(channel)
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subscribers[id]; ok {
		delete(t.subscribers, id)
		close(sub.queue)
	}
}

// LastIndex returns the highest buffered index for channel; a client
// that saw this value can reconnect with it as AfterIndex to resume
// without replay.
func (h *Hub) LastIndex(channel string) int64 {
	return h.topicFor(channel).buffer.lastIndex()
}
