package zone

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sammck-go/zonerpc/rpc"
)

// ServiceProxy is the client-side partner of a Service living in
// destinationZone: it mints and caches ObjectProxy instances for every
// InterfaceDescriptor seen from this zone, routing every marshaller
// operation through marshaller (ordinarily a *Transport, occasionally a
// *PassThrough). §4.6.
type ServiceProxy struct {
	log             *slog.Logger
	zoneID          rpc.Zone
	destinationZone rpc.DestinationZone
	marshaller      rpc.Marshaller

	mu      sync.Mutex
	objects map[rpc.Object]*ObjectProxy
}

// NewServiceProxy builds a proxy for destinationZone routed through
// marshaller. zoneID names the local zone, used to stamp outgoing calls'
// caller identity.
func NewServiceProxy(log *slog.Logger, zoneID rpc.Zone, destinationZone rpc.DestinationZone, marshaller rpc.Marshaller) *ServiceProxy {
	return &ServiceProxy{
		log:             log.With("service_proxy", destinationZone),
		zoneID:          zoneID,
		destinationZone: destinationZone,
		marshaller:      marshaller,
		objects:         make(map[rpc.Object]*ObjectProxy),
	}
}

// DestinationZone returns the zone this proxy reaches.
func (sp *ServiceProxy) DestinationZone() rpc.DestinationZone { return sp.destinationZone }

// GetObjectProxy returns the cached ObjectProxy for object, creating one if
// this is the first time it has been seen. A newly created proxy holds no
// reference yet; the caller takes one with AddRef.
func (sp *ServiceProxy) GetObjectProxy(object rpc.Object) *ObjectProxy {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if op, ok := sp.objects[object]; ok {
		return op
	}
	op := newObjectProxy(sp, object)
	sp.objects[object] = op
	return op
}

// forgetObject removes object from the cache once its last proxy reference
// is released.
func (sp *ServiceProxy) forgetObject(object rpc.Object) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	delete(sp.objects, object)
}

// addRef issues add_ref for object on behalf of this zone.
func (sp *ServiceProxy) addRef(ctx context.Context, object rpc.Object, optimistic bool) error {
	opts := rpc.AddRefBuildDestinationRoute
	if optimistic {
		opts |= rpc.AddRefOptimistic
	}
	_, err := sp.marshaller.AddRef(ctx, rpc.HighestSupportedVersion, sp.destinationZone, object,
		sp.zoneID.AsCaller(), sp.zoneID.AsKnownDirection(), opts, nil)
	return err
}

// release issues release for object on behalf of this zone.
func (sp *ServiceProxy) release(ctx context.Context, object rpc.Object, optimistic bool) (uint64, error) {
	var opts rpc.ReleaseOptions
	if optimistic {
		opts = rpc.ReleaseOptimistic
	}
	return sp.marshaller.Release(ctx, rpc.HighestSupportedVersion, sp.destinationZone, object, sp.zoneID.AsCaller(), opts, nil)
}

// ObjectProxy is the client-side handle for one remote object: a thin
// reference-counted wrapper that mints InterfaceProxy values for whichever
// interfaces the caller wants to invoke against it.
type ObjectProxy struct {
	service *ServiceProxy
	object  rpc.Object

	mu         sync.Mutex
	shared     uint64
	optimistic uint64
}

func newObjectProxy(service *ServiceProxy, object rpc.Object) *ObjectProxy {
	return &ObjectProxy{service: service, object: object}
}

// ID returns the remote object id this proxy addresses.
func (op *ObjectProxy) ID() rpc.Object { return op.object }

// Descriptor returns the wire-shaped reference to the object this proxy
// addresses.
func (op *ObjectProxy) Descriptor() rpc.InterfaceDescriptor {
	return rpc.InterfaceDescriptor{Object: op.object, Destination: op.service.destinationZone}
}

// AddRef takes a new reference of the requested kind, issuing add_ref on the
// wire only for the first reference of each kind this proxy holds.
func (op *ObjectProxy) AddRef(ctx context.Context, optimistic bool) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if optimistic {
		if op.optimistic == 0 {
			if err := op.service.addRef(ctx, op.object, true); err != nil {
				return err
			}
		}
		op.optimistic++
		return nil
	}
	if op.shared == 0 {
		if err := op.service.addRef(ctx, op.object, false); err != nil {
			return err
		}
	}
	op.shared++
	return nil
}

// Release drops one reference of the requested kind, issuing release on the
// wire only once the local count of that kind reaches zero, and forgets this
// proxy from its service once both counts are exhausted.
func (op *ObjectProxy) Release(ctx context.Context, optimistic bool) error {
	op.mu.Lock()
	var shouldWireRelease, shouldForget bool
	if optimistic {
		if op.optimistic > 0 {
			op.optimistic--
		}
		shouldWireRelease = op.optimistic == 0
	} else {
		if op.shared > 0 {
			op.shared--
		}
		shouldWireRelease = op.shared == 0
	}
	shouldForget = op.shared == 0 && op.optimistic == 0
	op.mu.Unlock()

	if shouldWireRelease {
		if _, err := op.service.release(ctx, op.object, optimistic); err != nil {
			return err
		}
	}
	if shouldForget {
		op.service.forgetObject(op.object)
	}
	return nil
}

// Cast returns an InterfaceProxy for interfaceID after confirming the
// remote object answers for it.
func (op *ObjectProxy) Cast(ctx context.Context, interfaceID rpc.InterfaceOrdinal) (*InterfaceProxy, error) {
	if err := op.service.marshaller.TryCast(ctx, rpc.HighestSupportedVersion, op.service.destinationZone, op.object, interfaceID); err != nil {
		return nil, err
	}
	return &InterfaceProxy{object: op, interfaceID: interfaceID}, nil
}

// InterfaceProxy is the leaf handle application code calls through: one
// interface ordinal against one remote object, generated per IDL interface
// in a real deployment (out of scope here, see SPEC_FULL.md) but exposed
// generically as Call/Post.
type InterfaceProxy struct {
	object      *ObjectProxy
	interfaceID rpc.InterfaceOrdinal
}

// Object returns the underlying object proxy this interface was cast from.
func (ip *InterfaceProxy) Object() *ObjectProxy { return ip.object }

// Call invokes methodID and waits for the reply.
func (ip *InterfaceProxy) Call(ctx context.Context, methodID rpc.Method, inBytes []byte) ([]byte, error) {
	sp := ip.object.service
	out, _, err := sp.marshaller.Send(ctx, rpc.HighestSupportedVersion, 0,
		sp.zoneID.AsCaller(), sp.destinationZone, ip.object.object, ip.interfaceID, methodID, inBytes, nil)
	if err != nil {
		return nil, fmt.Errorf("call %d.%d on %s: %w", ip.interfaceID, methodID, ip.object.Descriptor(), err)
	}
	return out, nil
}

// Post invokes methodID without waiting for a reply.
func (ip *InterfaceProxy) Post(ctx context.Context, methodID rpc.Method, inBytes []byte) error {
	sp := ip.object.service
	return sp.marshaller.Post(ctx, rpc.HighestSupportedVersion, 0,
		sp.zoneID.AsCaller(), sp.destinationZone, ip.object.object, ip.interfaceID, methodID, inBytes, nil)
}
