// Package events is the in-process publish/subscribe broadcaster both state
// machines push session-lifecycle events through, consumed by the logging
// and metrics layers (spec ambient session-status reporting).
//
// Grounded on daemon/service/events.go's EventPublisher: subscription map
// guarded by a single RWMutex, non-blocking publish with slow-consumer
// protection. Simplified to a single in-process broadcaster — no gRPC/REST
// fan-out, since the public API surface is out of this core's scope.
package events

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies a session event. Narrowed from the teacher's transfer
// lifecycle to the handshake/chunk/verification/failover events this
// protocol's two state machines actually emit.
type Type int

const (
	TransferStarted Type = iota + 1
	TransferProgress
	TransferCompleted
	TransferFailed
	HandshakeAccepted
	ChunkSent
	ChunkReceived
	ChunkAcked
	VerificationFailed
	SeederSwitched
)

func (t Type) String() string {
	switch t {
	case TransferStarted:
		return "TRANSFER_STARTED"
	case TransferProgress:
		return "TRANSFER_PROGRESS"
	case TransferCompleted:
		return "TRANSFER_COMPLETED"
	case TransferFailed:
		return "TRANSFER_FAILED"
	case HandshakeAccepted:
		return "HANDSHAKE_ACCEPTED"
	case ChunkSent:
		return "CHUNK_SENT"
	case ChunkReceived:
		return "CHUNK_RECEIVED"
	case ChunkAcked:
		return "CHUNK_ACKED"
	case VerificationFailed:
		return "VERIFICATION_FAILED"
	case SeederSwitched:
		return "SEEDER_SWITCHED"
	default:
		return "UNKNOWN"
	}
}

// Event is one session-lifecycle occurrence.
type Event struct {
	SessionID       string
	Type            Type
	Timestamp       time.Time
	ProgressPercent float64
	Message         string
	Metadata        map[string]string
}

// Subscription is an active event stream handed out by Publisher.Subscribe.
type Subscription struct {
	ID              string
	SessionIDFilter string
	Channel         chan *Event
}

// Publisher broadcasts events to every matching subscriber, dropping events
// for subscribers whose channel is full rather than blocking the caller.
type Publisher struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	bufferSize    int
}

func NewPublisher(bufferSize int) *Publisher {
	return &Publisher{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    bufferSize,
	}
}

func (p *Publisher) Subscribe(sessionIDFilter string) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub := &Subscription{
		ID:              uuid.NewString(),
		SessionIDFilter: sessionIDFilter,
		Channel:         make(chan *Event, p.bufferSize),
	}
	p.subscriptions[sub.ID] = sub
	return sub
}

func (p *Publisher) Unsubscribe(subscriptionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sub, ok := p.subscriptions[subscriptionID]; ok {
		close(sub.Channel)
		delete(p.subscriptions, subscriptionID)
	}
}

func (p *Publisher) Publish(event *Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, sub := range p.subscriptions {
		if sub.SessionIDFilter != "" && sub.SessionIDFilter != event.SessionID {
			continue
		}
		select {
		case sub.Channel <- event:
		default:
			// Slow consumer: drop rather than block the publishing peer worker.
		}
	}
}

func (p *Publisher) PublishStarted(sessionID, fileName string, fileSize int64) {
	p.Publish(&Event{
		SessionID: sessionID,
		Type:      TransferStarted,
		Timestamp: time.Now(),
		Message:   "transfer started",
		Metadata: map[string]string{
			"file_name": fileName,
			"file_size": strconv.FormatInt(fileSize, 10),
		},
	})
}

func (p *Publisher) PublishProgress(sessionID string, progressPercent float64) {
	p.Publish(&Event{
		SessionID:       sessionID,
		Type:            TransferProgress,
		Timestamp:       time.Now(),
		ProgressPercent: progressPercent,
	})
}

func (p *Publisher) PublishCompleted(sessionID string, totalTime time.Duration) {
	p.Publish(&Event{
		SessionID:       sessionID,
		Type:            TransferCompleted,
		Timestamp:       time.Now(),
		ProgressPercent: 100,
		Message:         "transfer completed",
		Metadata: map[string]string{
			"total_time_seconds": strconv.FormatInt(int64(totalTime.Seconds()), 10),
		},
	})
}

func (p *Publisher) PublishFailed(sessionID, reason string) {
	p.Publish(&Event{
		SessionID: sessionID,
		Type:      TransferFailed,
		Timestamp: time.Now(),
		Message:   reason,
	})
}

func (p *Publisher) PublishChunkSent(sessionID string, chunkIndex uint32) {
	p.Publish(&Event{
		SessionID: sessionID,
		Type:      ChunkSent,
		Timestamp: time.Now(),
		Metadata:  map[string]string{"chunk_index": strconv.FormatUint(uint64(chunkIndex), 10)},
	})
}

func (p *Publisher) PublishChunkReceived(sessionID string, chunkIndex uint32) {
	p.Publish(&Event{
		SessionID: sessionID,
		Type:      ChunkReceived,
		Timestamp: time.Now(),
		Metadata:  map[string]string{"chunk_index": strconv.FormatUint(uint64(chunkIndex), 10)},
	})
}

func (p *Publisher) PublishVerificationFailed(sessionID string, chunkIndex uint32) {
	p.Publish(&Event{
		SessionID: sessionID,
		Type:      VerificationFailed,
		Timestamp: time.Now(),
		Message:   "chunk hash did not match INTEGRITY-declared hash",
		Metadata:  map[string]string{"chunk_index": strconv.FormatUint(uint64(chunkIndex), 10)},
	})
}

func (p *Publisher) PublishSeederSwitched(sessionID, newAddr string) {
	p.Publish(&Event{
		SessionID: sessionID,
		Type:      SeederSwitched,
		Timestamp: time.Now(),
		Message:   "switched to alternate seeder after timeout",
		Metadata:  map[string]string{"new_seeder": newAddr},
	})
}

func (p *Publisher) GetSubscriptionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscriptions)
}
