// Package zone implements the three tightly coupled subsystems of
// the zone graph and marshaller layer (Service, Transport), the
// distributed reference-counting protocol (ObjectStub, ServiceProxy,
// ObjectProxy) and the pass-through router (PassThrough).
package zone

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sammck-go/zonerpc/rpc"
)

// InterfaceStub is generated by the IDL compiler (out of scope here, see
// SPEC_FULL.md) per interface: it knows how to dispatch a method ordinal
// against the concrete implementation it was built from.
type InterfaceStub interface {
	// InterfaceID returns the ordinal this stub answers for.
	InterfaceID() rpc.InterfaceOrdinal
	// Call dispatches methodID, returning the encoded reply.
	Call(ctx context.Context, methodID rpc.Method, inBytes []byte) ([]byte, error)
}

// StubFactory builds an interface-specific InterfaceStub from a generic
// ObjectStub wrapping some concrete implementation. Applications register
// one factory per InterfaceOrdinal before the service begins serving
// traffic: registration is mutex-guarded, but a stub only gets interface
// stubs from the factories registered before it was created.
type StubFactory func(generic *ObjectStub) (InterfaceStub, error)

// callerRefs is the per-caller reference record kept inside a stub: the
// shared (owning) and optimistic (notify-on-destroy) counts held by one
// caller zone.
type callerRefs struct {
	shared     uint64
	optimistic uint64
}

// ObjectStub is the server-side wrapper around a concrete implementation.
// It lives in the destination zone and holds one strong pointer to the
// implementation plus one interface stub per interface the implementation
// satisfies, keyed by InterfaceOrdinal.
type ObjectStub struct {
	log *slog.Logger

	id   rpc.Object
	impl any

	mu         sync.Mutex
	interfaces map[rpc.InterfaceOrdinal]InterfaceStub
	refs       map[rpc.CallerZone]*callerRefs
	sharedSum  uint64
}

// NewObjectStub wraps impl for object id, building one InterfaceStub per
// factory that accepts it. A factory that returns an error for this impl is
// skipped -- try_cast naturally fails later for interfaces the impl does
// not satisfy.
func NewObjectStub(log *slog.Logger, id rpc.Object, impl any, factories map[rpc.InterfaceOrdinal]StubFactory) *ObjectStub {
	s := &ObjectStub{
		log:        log.With("object", id),
		id:         id,
		impl:       impl,
		interfaces: make(map[rpc.InterfaceOrdinal]InterfaceStub),
		refs:       make(map[rpc.CallerZone]*callerRefs),
	}
	for ordinal, factory := range factories {
		ifaceStub, err := factory(s)
		if err != nil {
			continue
		}
		s.interfaces[ordinal] = ifaceStub
	}
	return s
}

// ID returns the object id this stub answers for.
func (s *ObjectStub) ID() rpc.Object { return s.id }

// Impl returns the wrapped concrete implementation, used by the service to
// key its impl-address reverse-lookup map.
func (s *ObjectStub) Impl() any { return s.impl }

// Call dispatches a method invocation via the interface-stub table.
func (s *ObjectStub) Call(ctx context.Context, protocolVersion uint64, callerZone rpc.CallerZone,
	interfaceID rpc.InterfaceOrdinal, methodID rpc.Method, inBytes []byte) ([]byte, error) {
	if protocolVersion < rpc.LowestSupportedVersion || protocolVersion > rpc.HighestSupportedVersion {
		return nil, rpc.NewError(rpc.InvalidVersion, "unsupported protocol version %d", protocolVersion)
	}
	s.mu.Lock()
	ifaceStub, ok := s.interfaces[interfaceID]
	s.mu.Unlock()
	if !ok {
		return nil, rpc.NewError(rpc.InvalidCast, "object %s does not implement interface %d", s.id, interfaceID)
	}
	out, err := ifaceStub.Call(ctx, methodID, inBytes)
	if err != nil {
		if rerr, ok := err.(*rpc.Error); ok {
			return nil, rerr
		}
		return nil, rpc.NewError(rpc.InvalidMethodID, "method %d on interface %d failed: %s", methodID, interfaceID, err)
	}
	return out, nil
}

// TryCast reports whether the concrete implementation satisfies interfaceID.
func (s *ObjectStub) TryCast(interfaceID rpc.InterfaceOrdinal) error {
	s.mu.Lock()
	_, ok := s.interfaces[interfaceID]
	s.mu.Unlock()
	if !ok {
		return rpc.NewError(rpc.InvalidCast, "object %s does not implement interface %d", s.id, interfaceID)
	}
	return nil
}

// AddRef increments the per-caller counter named by optimistic/callerZone.
// outcall distinguishes an add-ref caused by the local service handing out a
// new descriptor (true) from one caused by an inbound add-ref message
// (false); it only affects logging, never the counters themselves.
func (s *ObjectStub) AddRef(optimistic bool, outcall bool, callerZone rpc.CallerZone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !optimistic && s.sharedSum == 0 && s.anyOptimisticLocked() {
		return rpc.NewError(rpc.ObjectGone, "object %s is a zombie (shared refs exhausted)", s.id)
	}

	r := s.refs[callerZone]
	if r == nil {
		r = &callerRefs{}
		s.refs[callerZone] = r
	}
	if optimistic {
		r.optimistic++
	} else {
		r.shared++
		s.sharedSum++
	}
	s.log.Debug("add_ref", "caller", callerZone, "optimistic", optimistic, "outcall", outcall)
	return nil
}

func (s *ObjectStub) anyOptimisticLocked() bool {
	for _, r := range s.refs {
		if r.optimistic > 0 {
			return true
		}
	}
	return false
}

// Release decrements the counter named by optimistic/callerZone and returns the stub's
// aggregate shared count after the operation.
func (s *ObjectStub) Release(optimistic bool, callerZone rpc.CallerZone) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.refs[callerZone]
	if r == nil {
		return s.sharedSum
	}
	if optimistic {
		if r.optimistic > 0 {
			r.optimistic--
		}
	} else {
		if r.shared > 0 {
			r.shared--
			s.sharedSum--
		}
	}
	if r.shared == 0 && r.optimistic == 0 {
		delete(s.refs, callerZone)
	}
	return s.sharedSum
}

// OptimisticHolders returns every caller zone that currently holds a
// non-zero optimistic count, used by the service to fan out object_released
// once the stub's aggregate shared count reaches zero.
func (s *ObjectStub) OptimisticHolders() []rpc.CallerZone {
	s.mu.Lock()
	defer s.mu.Unlock()
	var holders []rpc.CallerZone
	for zoneID, r := range s.refs {
		if r.optimistic > 0 {
			holders = append(holders, zoneID)
		}
	}
	return holders
}

// HasReferencesFromZone reports whether callerZone currently holds any
// shared or optimistic reference.
func (s *ObjectStub) HasReferencesFromZone(callerZone rpc.CallerZone) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.refs[callerZone]
	return r != nil && (r.shared > 0 || r.optimistic > 0)
}

// ReleaseAllFromZone drops every reference attributed to callerZone at once,
// as used when a transport reports the peer is gone. It returns whether the
// stub's aggregate shared count reached zero as a result.
func (s *ObjectStub) ReleaseAllFromZone(callerZone rpc.CallerZone) (shouldDelete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.refs[callerZone]
	if r == nil {
		return s.sharedSum == 0
	}
	s.sharedSum -= r.shared
	delete(s.refs, callerZone)
	return s.sharedSum == 0
}

// SharedSum returns the stub's current aggregate shared count.
func (s *ObjectStub) SharedSum() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharedSum
}
