package zone

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sammck-go/zonerpc/rpc"
)

// passThroughKey canonicalises an unordered pair of destination zones so a
// pass-through can be looked up from either side (§3 "Transport").
type passThroughKey struct {
	lo, hi rpc.DestinationZone
}

func canonicalKey(a, b rpc.DestinationZone) passThroughKey {
	if a <= b {
		return passThroughKey{lo: a, hi: b}
	}
	return passThroughKey{lo: b, hi: a}
}

// PassThrough is the two-ended router created lazily when a call from zone
// A to zone C must traverse this (zone B's) transport layer. It glues a
// forward transport and a reverse transport together and exposes only the
// inbound marshaller surface -- it is never itself a wire endpoint.
// §4.5.
type PassThrough struct {
	log *slog.Logger

	forward     *Transport
	reverse     *Transport
	forwardDest rpc.DestinationZone
	reverseDest rpc.DestinationZone

	refs int64 // shared + optimistic count summed across both directions

	selfMu   sync.Mutex
	selfRef  *PassThrough // non-nil while refs > 0; keeps this alive
	released bool
}

func newPassThrough(log *slog.Logger, forward, reverse *Transport, forwardDest, reverseDest rpc.DestinationZone) *PassThrough {
	pt := &PassThrough{
		log:         log.With("forward_dest", forwardDest, "reverse_dest", reverseDest),
		forward:     forward,
		reverse:     reverse,
		forwardDest: forwardDest,
		reverseDest: reverseDest,
	}
	pt.selfRef = pt
	return pt
}

// directionalTransport picks which underlying transport a call addressed to
// destination should be forwarded on: the reverse transport if destination
// is the reverse endpoint, otherwise the forward transport.
func (pt *PassThrough) directionalTransport(destination rpc.DestinationZone) *Transport {
	if destination == pt.reverseDest {
		return pt.reverse
	}
	return pt.forward
}

func (pt *PassThrough) addRefCount(n int64) {
	atomic.AddInt64(&pt.refs, n)
}

// releaseCount decrements the aggregate count by n and, if it reaches zero,
// clears the self-reference and removes this pass-through from both
// transports' tables so it can be collected.
func (pt *PassThrough) releaseCount(n int64) {
	remaining := atomic.AddInt64(&pt.refs, -n)
	if remaining > 0 {
		return
	}
	pt.selfMu.Lock()
	defer pt.selfMu.Unlock()
	if pt.released {
		return
	}
	pt.released = true
	pt.selfRef = nil
	pt.forward.removePassThrough(pt.reverseDest, pt.forwardDest)
	pt.reverse.removePassThrough(pt.forwardDest, pt.reverseDest)
}

// Send routes a method invocation through the appropriate leg.
func (pt *PassThrough) Send(ctx context.Context, protocolVersion uint64, encoding uint64,
	callerZone rpc.CallerZone, destinationZone rpc.DestinationZone, object rpc.Object,
	interfaceID rpc.InterfaceOrdinal, methodID rpc.Method, inBytes []byte,
	inBackChannel []rpc.BackChannelEntry) ([]byte, []rpc.BackChannelEntry, error) {
	t := pt.directionalTransport(destinationZone)
	return t.Send(ctx, protocolVersion, encoding, callerZone, destinationZone, object, interfaceID, methodID, inBytes, inBackChannel)
}

// Post routes a fire-and-forget invocation through the appropriate leg.
func (pt *PassThrough) Post(ctx context.Context, protocolVersion uint64, encoding uint64,
	callerZone rpc.CallerZone, destinationZone rpc.DestinationZone, object rpc.Object,
	interfaceID rpc.InterfaceOrdinal, methodID rpc.Method, inBytes []byte,
	inBackChannel []rpc.BackChannelEntry) error {
	t := pt.directionalTransport(destinationZone)
	return t.Post(ctx, protocolVersion, encoding, callerZone, destinationZone, object, interfaceID, methodID, inBytes, inBackChannel)
}

// TryCast routes through the appropriate leg.
func (pt *PassThrough) TryCast(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, interfaceID rpc.InterfaceOrdinal) error {
	t := pt.directionalTransport(destinationZone)
	return t.TryCast(ctx, protocolVersion, destinationZone, object, interfaceID)
}

// AddRef routes through the appropriate leg and keeps this pass-through
// alive for the new reference.
func (pt *PassThrough) AddRef(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	knownDirection rpc.KnownDirectionZone, options rpc.AddRefOptions,
	inBackChannel []rpc.BackChannelEntry) ([]rpc.BackChannelEntry, error) {
	t := pt.directionalTransport(destinationZone)
	out, err := t.AddRef(ctx, protocolVersion, destinationZone, object, callerZone, knownDirection, options, inBackChannel)
	if err == nil {
		pt.addRefCount(1)
	}
	return out, err
}

// Release routes through the appropriate leg and drops this pass-through's
// hold once the count reaches zero.
func (pt *PassThrough) Release(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	options rpc.ReleaseOptions, inBackChannel []rpc.BackChannelEntry) (uint64, error) {
	t := pt.directionalTransport(destinationZone)
	remainder, err := t.Release(ctx, protocolVersion, destinationZone, object, callerZone, options, inBackChannel)
	if err == nil {
		pt.releaseCount(1)
	}
	return remainder, err
}

// ObjectReleased forwards the fire-and-forget notification through the
// appropriate leg.
func (pt *PassThrough) ObjectReleased(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	inBackChannel []rpc.BackChannelEntry) error {
	t := pt.directionalTransport(destinationZone)
	return t.ObjectReleased(ctx, protocolVersion, destinationZone, object, callerZone, inBackChannel)
}

// TransportDown forwards the notification through the appropriate leg.
func (pt *PassThrough) TransportDown(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, callerZone rpc.CallerZone,
	inBackChannel []rpc.BackChannelEntry) error {
	t := pt.directionalTransport(destinationZone)
	return t.TransportDown(ctx, protocolVersion, destinationZone, callerZone, inBackChannel)
}

var _ rpc.Marshaller = (*PassThrough)(nil)
