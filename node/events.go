package node

import (
	"sync"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node/store"
)

const (
	EventHeaderStored     = "header_stored"
	EventChainReorganized = "chain_reorganized"
)

// Event is a notification of an accepted state change. Events are delivered
// after the change is committed and in commit order.
type Event interface {
	EventName() string
}

// HeaderStored is emitted for every header a submission validates. Fork is
// the zero key for canonical extensions and short forks.
type HeaderStored struct {
	Commitment [32]byte
	Height     uint32
	Header     consensus.StoredHeader
	Fork       store.ForkKey
}

func (HeaderStored) EventName() string { return EventHeaderStored }

// ChainReorganized is emitted when a fork replaces canonical headers.
// StartHeight is the first replaced height. ForkID is 0 for short forks.
type ChainReorganized struct {
	TipCommitment [32]byte
	TipHeight     uint32
	ForkID        uint32
	Submitter     [20]byte
	StartHeight   uint32
}

func (ChainReorganized) EventName() string { return EventChainReorganized }

type EventListener interface {
	HandleEvent(ev Event)
}

type EventListenerFunc func(ev Event)

func (f EventListenerFunc) HandleEvent(ev Event) { f(ev) }

type eventBus struct {
	mtx       sync.RWMutex
	nextID    int
	listeners map[int]EventListener
}

func (b *eventBus) subscribe(l EventListener) func() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.listeners == nil {
		b.listeners = make(map[int]EventListener)
	}
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	return func() {
		b.mtx.Lock()
		defer b.mtx.Unlock()
		delete(b.listeners, id)
	}
}

func (b *eventBus) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	b.mtx.RLock()
	ls := make([]EventListener, 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	b.mtx.RUnlock()
	for _, ev := range events {
		for _, l := range ls {
			l.HandleEvent(ev)
		}
	}
}
