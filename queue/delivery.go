package queue

import (
	"sync"

	"go.uber.org/zap"

	"meshd/utils"
)

// Received is what subscribers get for each locally delivered message.
type Received struct {
	SrcNode    uint64
	DstNode    uint64
	MsgID      uint64
	CorrID     uint64
	Headers    map[string][]byte
	Payload    []byte
	RequireAck bool
	Partition  uint32
	QosClass   uint32
}

// Filter selects which messages a subscriber sees. Nil fields always
// match; set fields require equality. A message lacking the field matches.
type Filter struct {
	Partition *uint32
	QosClass  *uint32
	SrcNode   *uint64
}

// Matches applies the filter to one message.
func (f Filter) Matches(msg *Received) bool {
	if f.Partition != nil && msg.Partition != 0 && msg.Partition != *f.Partition {
		return false
	}
	if f.QosClass != nil && msg.QosClass != 0 && msg.QosClass != *f.QosClass {
		return false
	}
	if f.SrcNode != nil && msg.SrcNode != *f.SrcNode {
		return false
	}
	return true
}

// Subscription is one subscriber's receive side. C never blocks the
// deliverer: messages queue in an unbounded mailbox behind it.
type Subscription struct {
	ID     uint64
	Filter Filter
	C      <-chan Received

	box *mailbox
}

// Cancel closes the subscription: C closes without yielding messages still
// buffered, and the queue drops the subscriber on its next delivery.
func (s *Subscription) Cancel() { s.box.close() }

// DeliveryQueue fans locally destined messages out to subscribers.
type DeliveryQueue struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// NewDeliveryQueue returns an empty queue.
func NewDeliveryQueue() *DeliveryQueue {
	return &DeliveryQueue{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a filter and returns the subscription.
func (q *DeliveryQueue) Subscribe(filter Filter) *Subscription {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	box := newMailbox()
	sub := &Subscription{ID: q.nextID, Filter: filter, C: box.out, box: box}
	q.subs[sub.ID] = sub
	utils.Logger.Debug("subscriber registered", zap.Uint64("sub_id", sub.ID))
	return sub
}

// Unsubscribe removes a subscription by ID.
func (q *DeliveryQueue) Unsubscribe(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sub, ok := q.subs[id]; ok {
		sub.box.close()
		delete(q.subs, id)
	}
}

// Deliver hands msg to every matching subscriber and returns how many got
// it. Closed subscribers are pruned on the way through. The count drives
// the receiver's delivery-status feedback.
func (q *DeliveryQueue) Deliver(msg Received) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	delivered := 0
	for id, sub := range q.subs {
		if !sub.Filter.Matches(&msg) {
			continue
		}
		if !sub.box.push(msg) {
			delete(q.subs, id)
			utils.Logger.Debug("pruned closed subscriber", zap.Uint64("sub_id", id))
			continue
		}
		delivered++
	}
	return delivered
}

// SubscriberCount returns the number of live subscriptions.
func (q *DeliveryQueue) SubscriberCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

// mailbox is an unbounded FIFO feeding one subscriber channel. push never
// blocks; a pump goroutine drains the buffer into out.
type mailbox struct {
	mu     sync.Mutex
	buf    []Received
	notify chan struct{}
	done   chan struct{}
	closed bool
	out    chan Received
}

func newMailbox() *mailbox {
	m := &mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Received),
	}
	go m.pump()
	return m
}

func (m *mailbox) push(msg Received) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.buf = append(m.buf, msg)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()
}

func (m *mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if m.closed {
			// Undelivered messages are dropped on cancel.
			m.mu.Unlock()
			return
		}
		if len(m.buf) == 0 {
			m.mu.Unlock()
			select {
			case <-m.notify:
			case <-m.done:
			}
			continue
		}
		msg := m.buf[0]
		m.buf = m.buf[1:]
		m.mu.Unlock()
		select {
		case m.out <- msg:
		case <-m.done:
			return
		}
	}
}
