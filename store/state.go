package store

import (
	"sync"
	"sync/atomic"
)

var (
	register   = make(chan *Comm)
	unregister = make(chan *Comm)
	broadcast  = make(chan changeReq)
)

type changeReq struct {
	acc  *Account
	comm *Comm // Can be nil.
	sc   StateChange
	done chan struct{}
}

// KindModSeq is a collection that changed, with the modseq of the change.
type KindModSeq struct {
	Collection Collection
	ModSeq     ModSeq
}

// StateChange is broadcast to sessions of an account after a batch of changes
// is committed. Sessions fetch the details from the change log.
type StateChange struct {
	Account string
	Changes []KindModSeq
}

func switchboard(stopc, donec chan struct{}) {
	regs := map[*Account]map[*Comm]struct{}{}

	for {
		select {
		case c := <-register:
			if _, ok := regs[c.acc]; !ok {
				regs[c.acc] = map[*Comm]struct{}{}
			}
			regs[c.acc][c] = struct{}{}

		case c := <-unregister:
			delete(regs[c.acc], c)
			if len(regs[c.acc]) == 0 {
				delete(regs, c.acc)
			}

		case chReq := <-broadcast:
			for c := range regs[chReq.acc] {
				// Do not send the broadcaster back their own changes. chReq.comm is nil if not
				// originating from a comm, so won't match in that case.
				if c == chReq.comm {
					continue
				}

				c.Lock()
				c.changes = append(c.changes, chReq.sc)
				c.Unlock()

				select {
				case c.Pending <- struct{}{}:
				default:
				}
			}
			chReq.done <- struct{}{}

		case <-stopc:
			donec <- struct{}{}
			return
		}
	}
}

var switchboardBusy atomic.Bool

// Switchboard distributes state changes of accounts to interested listeners.
// See Comm and StateChange.
func Switchboard() (stop func()) {
	if !switchboardBusy.CompareAndSwap(false, true) {
		panic("switchboard already busy")
	}

	stopc := make(chan struct{})
	donec := make(chan struct{})

	go switchboard(stopc, donec)

	return func() {
		stopc <- struct{}{}
		<-donec

		if !switchboardBusy.CompareAndSwap(true, false) {
			panic("switchboard already unregistered?")
		}
	}
}

// Comm handles communication with the goroutine that distributes state changes
// of an account.
type Comm struct {
	Pending chan struct{} // Receives block until changes come in.

	acc *Account

	sync.Mutex
	changes []StateChange
}

// RegisterComm starts a Comm for the account. Unregister must be called.
func RegisterComm(acc *Account) *Comm {
	c := &Comm{
		Pending: make(chan struct{}, 1), // Buffered so the switchboard can do a non-blocking send.
		acc:     acc,
	}
	register <- c
	return c
}

// Unregister stops this Comm.
func (c *Comm) Unregister() {
	unregister <- c
}

// Broadcast sends sc to other Comms of the account.
func (c *Comm) Broadcast(sc StateChange) {
	if len(sc.Changes) == 0 {
		return
	}
	done := make(chan struct{}, 1)
	broadcast <- changeReq{c.acc, c, sc, done}
	<-done
}

// Get retrieves all pending state changes. If none are pending a nil or empty
// list is returned.
func (c *Comm) Get() []StateChange {
	c.Lock()
	defer c.Unlock()
	l := c.changes
	c.changes = nil
	return l
}

// BroadcastChanges sends sc to all listeners on the account.
func BroadcastChanges(acc *Account, sc StateChange) {
	if len(sc.Changes) == 0 {
		return
	}
	done := make(chan struct{}, 1)
	broadcast <- changeReq{acc, nil, sc, done}
	<-done
}
