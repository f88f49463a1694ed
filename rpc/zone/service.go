package zone

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sammck-go/zonerpc/rpc"
)

// Service is the per-zone hub: §4.3. It registers stubs for
// locally-hosted objects, tracks service proxies and transports toward
// other zones, and implements the inbound rpc.Marshaller contract for
// operations whose destination is this zone.
type Service struct {
	log       *slog.Logger
	zoneID    rpc.Zone
	telemetry rpc.Telemetry

	stubMu     sync.Mutex
	stubs      map[rpc.Object]*ObjectStub
	implToStub map[any]*ObjectStub
	nextObject uint64

	proxyMu        sync.Mutex
	serviceProxies map[rpc.DestinationZone]*ServiceProxy
	transports     map[rpc.DestinationZone]*Transport

	factoriesMu sync.Mutex
	factories   map[rpc.InterfaceOrdinal]StubFactory

	listenersMu sync.Mutex
	listeners   []rpc.ServiceEventListener
}

// NewService creates an empty Service for zoneID.
func NewService(log *slog.Logger, zoneID rpc.Zone) *Service {
	return &Service{
		log:            log.With("zone", zoneID),
		zoneID:         zoneID,
		telemetry:      rpc.NopTelemetry{},
		stubs:          make(map[rpc.Object]*ObjectStub),
		implToStub:     make(map[any]*ObjectStub),
		serviceProxies: make(map[rpc.DestinationZone]*ServiceProxy),
		transports:     make(map[rpc.DestinationZone]*Transport),
		factories:      make(map[rpc.InterfaceOrdinal]StubFactory),
	}
}

// SetTelemetry installs a non-nil telemetry sink.
func (s *Service) SetTelemetry(tel rpc.Telemetry) {
	if tel != nil {
		s.telemetry = tel
	}
}

// ZoneID returns the zone this service owns.
func (s *Service) ZoneID() rpc.Zone { return s.zoneID }

// RegisterFactory registers the stub factory for interfaceID. Registration
// is not safe to race with serving traffic (§6); call it before the
// service accepts any transport.
func (s *Service) RegisterFactory(interfaceID rpc.InterfaceOrdinal, factory StubFactory) {
	s.factoriesMu.Lock()
	defer s.factoriesMu.Unlock()
	s.factories[interfaceID] = factory
}

func (s *Service) snapshotFactories() map[rpc.InterfaceOrdinal]StubFactory {
	s.factoriesMu.Lock()
	defer s.factoriesMu.Unlock()
	out := make(map[rpc.InterfaceOrdinal]StubFactory, len(s.factories))
	for k, v := range s.factories {
		out[k] = v
	}
	return out
}

// AddListener registers a service-event listener, called outside the
// service's own locks (§6 "Service-event listeners").
func (s *Service) AddListener(l rpc.ServiceEventListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) notifyListeners(ctx context.Context, object rpc.Object, destination rpc.DestinationZone) {
	s.listenersMu.Lock()
	listeners := make([]rpc.ServiceEventListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.Unlock()
	for _, l := range listeners {
		l.OnObjectReleased(ctx, object, destination)
	}
}

// RegisterTransport registers t as the route toward dest. Overwrites any
// existing registration for dest.
func (s *Service) RegisterTransport(dest rpc.DestinationZone, t *Transport) {
	s.proxyMu.Lock()
	defer s.proxyMu.Unlock()
	s.transports[dest] = t
}

func (s *Service) innerGetTransport(dest rpc.DestinationZone) *Transport {
	return s.transports[dest]
}

func (s *Service) getTransport(dest rpc.DestinationZone) *Transport {
	s.proxyMu.Lock()
	defer s.proxyMu.Unlock()
	return s.innerGetTransport(dest)
}

// removeTransport forgets the registered route toward dest. Called by a
// Transport once neither proxies nor stubs reference that zone through it
// anymore (§4.4.4).
func (s *Service) removeTransport(dest rpc.DestinationZone) {
	s.proxyMu.Lock()
	defer s.proxyMu.Unlock()
	delete(s.transports, dest)
}

// RegisterServiceProxy registers sp as the client-side partner for dest.
func (s *Service) RegisterServiceProxy(dest rpc.DestinationZone, sp *ServiceProxy) {
	s.proxyMu.Lock()
	defer s.proxyMu.Unlock()
	s.serviceProxies[dest] = sp
}

// GetServiceProxy returns the registered service proxy for dest, if any.
func (s *Service) GetServiceProxy(dest rpc.DestinationZone) *ServiceProxy {
	s.proxyMu.Lock()
	defer s.proxyMu.Unlock()
	return s.serviceProxies[dest]
}

// RemoveServiceProxy forgets the registered service proxy for dest.
func (s *Service) RemoveServiceProxy(dest rpc.DestinationZone) {
	s.proxyMu.Lock()
	defer s.proxyMu.Unlock()
	delete(s.serviceProxies, dest)
}

// GetOrCreateStub returns the existing stub wrapping impl, or builds and
// registers a new one with a freshly assigned object id. isNew reports
// whether a new stub (and new object id) was created.
func (s *Service) GetOrCreateStub(impl any) (stub *ObjectStub, isNew bool) {
	s.stubMu.Lock()
	defer s.stubMu.Unlock()
	if existing, ok := s.implToStub[impl]; ok {
		return existing, false
	}
	s.nextObject++
	id := rpc.Object(s.nextObject)
	stub = NewObjectStub(s.log, id, impl, s.snapshotFactories())
	s.stubs[id] = stub
	s.implToStub[impl] = stub
	return stub, true
}

// RegisterStubAt registers impl under an explicit object id, used for the
// handshake's well-known root object. It is an error to reuse an id already
// in use.
func (s *Service) RegisterStubAt(id rpc.Object, impl any) (*ObjectStub, error) {
	s.stubMu.Lock()
	defer s.stubMu.Unlock()
	if _, ok := s.stubs[id]; ok {
		return nil, rpc.NewError(rpc.InvalidData, "object id %s already registered", id)
	}
	stub := NewObjectStub(s.log, id, impl, s.snapshotFactories())
	s.stubs[id] = stub
	s.implToStub[impl] = stub
	return stub, nil
}

func (s *Service) getStub(id rpc.Object) *ObjectStub {
	s.stubMu.Lock()
	defer s.stubMu.Unlock()
	return s.stubs[id]
}

// eraseStub removes stub from both registries. Caller must not hold stubMu.
func (s *Service) eraseStub(stub *ObjectStub) {
	s.stubMu.Lock()
	defer s.stubMu.Unlock()
	delete(s.stubs, stub.ID())
	delete(s.implToStub, stub.Impl())
}

// CheckEmpty reports whether every registry is empty, as required at
// shutdown by §3's Service invariants and Testable Property 2. A
// non-nil error names the first non-empty registry found.
func (s *Service) CheckEmpty() error {
	s.stubMu.Lock()
	nStubs, nImpl := len(s.stubs), len(s.implToStub)
	s.stubMu.Unlock()
	if nStubs != 0 {
		return rpc.NewError(rpc.InvalidData, "service %d: %d stub(s) still registered", s.zoneID, nStubs)
	}
	if nImpl != 0 {
		return rpc.NewError(rpc.InvalidData, "service %d: %d impl-address entr(y/ies) still registered", s.zoneID, nImpl)
	}
	s.proxyMu.Lock()
	nSP, nT := len(s.serviceProxies), len(s.transports)
	s.proxyMu.Unlock()
	if nSP != 0 {
		return rpc.NewError(rpc.InvalidData, "service %d: %d service proxy/proxies still registered", s.zoneID, nSP)
	}
	if nT != 0 {
		return rpc.NewError(rpc.InvalidData, "service %d: %d transport(s) still registered", s.zoneID, nT)
	}
	return nil
}

func (s *Service) checkVersion(protocolVersion uint64) error {
	if protocolVersion < rpc.LowestSupportedVersion || protocolVersion > rpc.HighestSupportedVersion {
		return rpc.NewError(rpc.InvalidVersion, "unsupported protocol version %d", protocolVersion)
	}
	return nil
}

func (s *Service) checkLocalDestination(destinationZone rpc.DestinationZone) error {
	if destinationZone != s.zoneID.AsDestination() {
		return rpc.NewError(rpc.InvalidData, "routing bug: destination %s reached service for zone %d", destinationZone, s.zoneID)
	}
	return nil
}

// Send dispatches a method invocation to a locally-hosted stub.
func (s *Service) Send(ctx context.Context, protocolVersion uint64, encoding uint64,
	callerZone rpc.CallerZone, destinationZone rpc.DestinationZone, object rpc.Object,
	interfaceID rpc.InterfaceOrdinal, methodID rpc.Method, inBytes []byte,
	inBackChannel []rpc.BackChannelEntry) ([]byte, []rpc.BackChannelEntry, error) {
	if err := s.checkLocalDestination(destinationZone); err != nil {
		return nil, nil, err
	}
	stub := s.getStub(object)
	if stub == nil {
		return nil, nil, rpc.NewError(rpc.ObjectGone, "object %s not found in zone %d", object, s.zoneID)
	}
	ctx = rpc.WithCurrentService(ctx, s.zoneID)
	out, err := stub.Call(ctx, protocolVersion, callerZone, interfaceID, methodID, inBytes)
	return out, nil, err
}

// Post dispatches a fire-and-forget invocation to a locally-hosted stub.
func (s *Service) Post(ctx context.Context, protocolVersion uint64, encoding uint64,
	callerZone rpc.CallerZone, destinationZone rpc.DestinationZone, object rpc.Object,
	interfaceID rpc.InterfaceOrdinal, methodID rpc.Method, inBytes []byte,
	inBackChannel []rpc.BackChannelEntry) error {
	_, _, err := s.Send(ctx, protocolVersion, encoding, callerZone, destinationZone, object, interfaceID, methodID, inBytes, inBackChannel)
	return err
}

// TryCast reports whether a locally-hosted object implements interfaceID.
func (s *Service) TryCast(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, interfaceID rpc.InterfaceOrdinal) error {
	if err := s.checkLocalDestination(destinationZone); err != nil {
		return err
	}
	stub := s.getStub(object)
	if stub == nil {
		return rpc.NewError(rpc.ObjectNotFound, "object %s not found in zone %d", object, s.zoneID)
	}
	return stub.TryCast(interfaceID)
}

// AddRef implements §4.3's add_ref routing table.
func (s *Service) AddRef(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	knownDirection rpc.KnownDirectionZone, options rpc.AddRefOptions,
	inBackChannel []rpc.BackChannelEntry) ([]rpc.BackChannelEntry, error) {
	optimistic := options.Optimistic()

	if options.BuildCallerChannel() {
		if s.zoneID.AsCaller() != callerZone {
			callerTransport := s.getTransport(callerZone.AsDestination())
			if callerTransport == nil {
				return nil, rpc.NewError(rpc.ZoneNotFound, "no transport toward caller zone %s", callerZone)
			}
			forwardOpts := rpc.AddRefBuildCallerRoute
			if optimistic {
				forwardOpts |= rpc.AddRefOptimistic
			}
			if _, err := callerTransport.AddRef(ctx, protocolVersion, destinationZone, object, callerZone,
				s.zoneID.AsKnownDirection(), forwardOpts, inBackChannel); err != nil {
				return nil, err
			}
		} else {
			s.proxyMu.Lock()
			destTransport := s.innerGetTransport(destinationZone)
			if destTransport == nil {
				destTransport = s.innerGetTransport(knownDirection.AsDestination())
				if destTransport == nil {
					s.proxyMu.Unlock()
					return nil, rpc.NewError(rpc.ZoneNotFound, "no transport toward destination zone %s", destinationZone)
				}
				s.transports[destinationZone] = destTransport
			}
			s.proxyMu.Unlock()
		}
	}

	if options.BuildDestChannel() {
		if s.zoneID.AsDestination() != destinationZone {
			destTransport := s.getTransport(destinationZone)
			if destTransport == nil {
				return nil, rpc.NewError(rpc.ZoneNotFound, "no transport toward destination zone %s", destinationZone)
			}
			return destTransport.AddRef(ctx, protocolVersion, destinationZone, object, callerZone,
				s.zoneID.AsKnownDirection(), options.WithoutCallerChannel(), inBackChannel)
		}

		if err := s.checkVersion(protocolVersion); err != nil {
			return nil, err
		}
		if object == rpc.DummyObject {
			return nil, nil
		}

		stub := s.getStub(object)
		if stub == nil {
			return nil, rpc.NewError(rpc.ObjectNotFound, "object %s not found in zone %d", object, s.zoneID)
		}

		s.proxyMu.Lock()
		callerTransport := s.innerGetTransport(callerZone.AsDestination())
		if callerTransport == nil {
			callerTransport = s.innerGetTransport(knownDirection.AsDestination())
			if callerTransport != nil {
				s.transports[callerZone.AsDestination()] = callerTransport
			}
		}
		s.proxyMu.Unlock()

		if err := stub.AddRef(optimistic, false, callerZone); err != nil {
			return nil, err
		}
		s.telemetry.OnServiceAddRef(s.zoneID, destinationZone, object, callerZone, options)
	}

	return nil, nil
}

// Release implements §4.3's release semantics, including the
// lock-ordering rule ("release the stub table lock before posting
// object_released") called out as deadlock-prone in synchronous mode.
func (s *Service) Release(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	options rpc.ReleaseOptions, inBackChannel []rpc.BackChannelEntry) (uint64, error) {
	if err := s.checkVersion(protocolVersion); err != nil {
		return 0, err
	}
	if object == rpc.DummyObject {
		return 0, nil
	}

	stub := s.getStub(object)
	if stub == nil {
		return 0, rpc.NewError(rpc.ObjectNotFound, "object %s not found in zone %d", object, s.zoneID)
	}

	optimistic := options.Optimistic()
	remainder := stub.Release(optimistic, callerZone)

	if remainder == 0 && !optimistic {
		holders := stub.OptimisticHolders()
		s.eraseStub(stub)

		for _, holder := range holders {
			transport := s.getTransport(holder.AsDestination())
			if transport == nil {
				continue
			}
			if err := transport.ObjectReleased(ctx, protocolVersion, s.zoneID.AsDestination(), object, holder, nil); err != nil {
				s.log.Warn("object_released notification failed", "holder", holder, "object", object, "error", err)
			}
		}
	}

	s.telemetry.OnServiceRelease(s.zoneID, destinationZone, object, callerZone, options)
	return remainder, nil
}

// ObjectReleased forwards the notification to registered service-event
// listeners.
func (s *Service) ObjectReleased(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	inBackChannel []rpc.BackChannelEntry) error {
	if err := s.checkVersion(protocolVersion); err != nil {
		return err
	}
	s.telemetry.OnServiceObjectReleased(s.zoneID, destinationZone, callerZone, object)
	s.notifyListeners(ctx, object, destinationZone)
	return nil
}

// TransportDown walks every stub under the stub table lock to collect those
// referenced from the lost caller zone, then, outside that lock, releases
// all their references from that zone, erases the ones that hit zero and
// notifies listeners (§4.3 "transport_down").
func (s *Service) TransportDown(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, callerZone rpc.CallerZone,
	inBackChannel []rpc.BackChannelEntry) error {
	if err := s.checkLocalDestination(destinationZone); err != nil {
		return err
	}
	s.telemetry.OnServiceTransportDown(s.zoneID, destinationZone, callerZone)

	s.stubMu.Lock()
	type candidate struct {
		id   rpc.Object
		stub *ObjectStub
	}
	var candidates []candidate
	for id, stub := range s.stubs {
		if stub.HasReferencesFromZone(callerZone) {
			candidates = append(candidates, candidate{id, stub})
		}
	}
	s.stubMu.Unlock()

	for _, c := range candidates {
		shouldDelete := c.stub.ReleaseAllFromZone(callerZone)
		if !shouldDelete {
			continue
		}
		holders := c.stub.OptimisticHolders()
		s.eraseStub(c.stub)
		for _, holder := range holders {
			transport := s.getTransport(holder.AsDestination())
			if transport == nil {
				continue
			}
			if err := transport.ObjectReleased(ctx, protocolVersion, s.zoneID.AsDestination(), c.id, holder, nil); err != nil {
				s.log.Warn("object_released notification failed during transport_down", "holder", holder, "object", c.id, "error", err)
			}
		}
		s.notifyListeners(ctx, c.id, s.zoneID.AsDestination())
	}
	return nil
}

var _ rpc.Marshaller = (*Service)(nil)
