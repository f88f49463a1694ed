package zone

import (
	"context"
	"sync"

	"github.com/sammck-go/zonerpc/rpc"
)

// WireSender is the pure-virtual "outbound" contract (§4.4.1) that
// delegates to a concrete wire transport (TCP, in-process, WebSocket, ...).
// It is shaped exactly like rpc.Marshaller because delivering a call to the
// adjacent zone is, from the wire's point of view, the same operation as
// answering one locally -- only the medium differs. RequestClose performs
// step 1 of the shutdown handshake (§4.4.6).
type WireSender interface {
	rpc.Marshaller
	// RequestClose pushes a close_connection request frame and blocks until
	// the peer's close_connection response arrives or the wire errors.
	RequestClose(ctx context.Context) error
}

// pendingTransmit is one in-flight request's cancellation listener. done
// only ever fires from cancelAll, when the transport goes down before the
// real result is back; a normal completion never touches it -- the real
// result always reaches its caller through the goroutine's own result
// channel, never through this one, so the two can never race for the same
// outcome (§4.4.5).
type pendingTransmit struct {
	done chan struct{}
	err  error
}

type pendingTable struct {
	mu      sync.Mutex
	nextSeq uint64
	entries map[uint64]*pendingTransmit
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint64]*pendingTransmit)}
}

// register allocates a new sequence number and cancellation listener,
// returning both. The caller must call unregister once the real result is
// back (or cancelAll fires the listener for them first).
func (p *pendingTable) register() (uint64, *pendingTransmit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSeq++
	seq := p.nextSeq
	pt := &pendingTransmit{done: make(chan struct{})}
	p.entries[seq] = pt
	return seq, pt
}

// unregister forgets seq once its real result has been delivered through
// the caller's own channel, so a later cancelAll no longer considers it
// pending. It deliberately never closes pt.done: that channel exists solely
// for cancelAll to signal callers still waiting when the transport goes
// down, and a completed call has nothing left to wait for.
func (p *pendingTable) unregister(seq uint64) {
	p.mu.Lock()
	delete(p.entries, seq)
	p.mu.Unlock()
}

// cancelAll resolves every still-pending listener with CALL_CANCELLED, used
// when the transport transitions to DISCONNECTED (§4.4.6 step 6).
func (p *pendingTable) cancelAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[uint64]*pendingTransmit)
	p.mu.Unlock()
	for _, pt := range entries {
		pt.err = rpc.NewError(rpc.CallCancelled, "transport disconnected while call was pending")
		close(pt.done)
	}
}
