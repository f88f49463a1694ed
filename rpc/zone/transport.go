package zone

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sammck-go/zonerpc/rpc"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type zoneCounts struct {
	proxyCount uint64
	stubCount  uint64
}

// Transport is a directional conduit from zoneID to adjacentZoneID. It
// implements the outbound rpc.Marshaller contract (calls leaving this zone,
// delegated to a concrete WireSender) and the inbound routing contract
// (calls arriving from the adjacent zone, routed onward to the local
// service or to a lazily-created PassThrough). §4.4.
type Transport struct {
	log *slog.Logger

	service        *Service
	zoneID         rpc.Zone
	adjacentZoneID rpc.Zone
	sender         WireSender
	telemetry      rpc.Telemetry

	statusMu sync.RWMutex
	status   Status

	destinationsMu sync.RWMutex
	passThroughs   map[passThroughKey]*PassThrough
	zoneCounts     map[rpc.Zone]*zoneCounts
	destCount      uint64

	pending *pendingTable
	sf      singleflight.Group
}

// NewTransport builds a Transport from zoneID to adjacentZoneID, initially
// CONNECTING, delegating outbound wire operations to sender.
func NewTransport(log *slog.Logger, service *Service, zoneID, adjacentZoneID rpc.Zone, sender WireSender) *Transport {
	return &Transport{
		log:            log.With("transport", fmt.Sprintf("%d->%d", zoneID, adjacentZoneID)),
		service:        service,
		zoneID:         zoneID,
		adjacentZoneID: adjacentZoneID,
		sender:         sender,
		telemetry:      rpc.NopTelemetry{},
		status:         StatusConnecting,
		passThroughs:   make(map[passThroughKey]*PassThrough),
		zoneCounts:     make(map[rpc.Zone]*zoneCounts),
		pending:        newPendingTable(),
	}
}

// SetTelemetry installs a non-nil telemetry sink.
func (t *Transport) SetTelemetry(tel rpc.Telemetry) {
	if tel != nil {
		t.telemetry = tel
	}
}

// SetSender installs the concrete wire sender this transport delegates
// outbound operations to. It exists so two transports whose senders each
// need a reference to the other can be constructed before either sender is
// built (see rpc/zone/local.Pair).
func (t *Transport) SetSender(sender WireSender) {
	t.sender = sender
}

// ZoneID returns the zone this transport belongs to.
func (t *Transport) ZoneID() rpc.Zone { return t.zoneID }

// AdjacentZoneID returns the zone on the other end of this transport.
func (t *Transport) AdjacentZoneID() rpc.Zone { return t.adjacentZoneID }

// Status returns the current connection state.
func (t *Transport) Status() Status {
	t.statusMu.RLock()
	defer t.statusMu.RUnlock()
	return t.status
}

// setStatus enforces the monotone status machine (§4.4.3).
func (t *Transport) setStatus(s Status) {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	if s < t.status {
		panic(fmt.Sprintf("transport status downgrade from %s to %s", t.status, s))
	}
	t.status = s
}

// MarkConnected transitions a successfully handshaked transport to
// CONNECTED (§6 "Handshake").
func (t *Transport) MarkConnected() { t.setStatus(StatusConnected) }

func (t *Transport) checkConnected() error {
	if t.Status() != StatusConnected {
		return rpc.NewError(rpc.TransportError, "transport %d->%d is not connected (status=%s)", t.zoneID, t.adjacentZoneID, t.Status())
	}
	return nil
}

// ---- outbound contract (rpc.Marshaller), delegated to the wire sender ----

func (t *Transport) Send(ctx context.Context, protocolVersion uint64, encoding uint64,
	callerZone rpc.CallerZone, destinationZone rpc.DestinationZone, object rpc.Object,
	interfaceID rpc.InterfaceOrdinal, methodID rpc.Method, inBytes []byte,
	inBackChannel []rpc.BackChannelEntry) ([]byte, []rpc.BackChannelEntry, error) {
	if err := t.checkConnected(); err != nil {
		return nil, nil, err
	}
	seq, pt := t.pending.register()
	type result struct {
		out []byte
		bc  []rpc.BackChannelEntry
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		out, bc, err := t.sender.Send(ctx, protocolVersion, encoding, callerZone, destinationZone, object, interfaceID, methodID, inBytes, inBackChannel)
		t.pending.unregister(seq)
		resCh <- result{out, bc, err}
	}()
	select {
	case res := <-resCh:
		return res.out, res.bc, res.err
	case <-pt.done:
		if pt.err != nil {
			return nil, nil, pt.err
		}
		return nil, nil, nil
	case <-ctx.Done():
		return nil, nil, rpc.WrapError(rpc.TimeoutError, ctx.Err(), "send cancelled")
	}
}

func (t *Transport) Post(ctx context.Context, protocolVersion uint64, encoding uint64,
	callerZone rpc.CallerZone, destinationZone rpc.DestinationZone, object rpc.Object,
	interfaceID rpc.InterfaceOrdinal, methodID rpc.Method, inBytes []byte,
	inBackChannel []rpc.BackChannelEntry) error {
	if err := t.checkConnected(); err != nil {
		return err
	}
	return t.sender.Post(ctx, protocolVersion, encoding, callerZone, destinationZone, object, interfaceID, methodID, inBytes, inBackChannel)
}

func (t *Transport) TryCast(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, interfaceID rpc.InterfaceOrdinal) error {
	if err := t.checkConnected(); err != nil {
		return err
	}
	return t.sender.TryCast(ctx, protocolVersion, destinationZone, object, interfaceID)
}

func (t *Transport) AddRef(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	knownDirection rpc.KnownDirectionZone, options rpc.AddRefOptions,
	inBackChannel []rpc.BackChannelEntry) ([]rpc.BackChannelEntry, error) {
	if object != rpc.DummyObject {
		if err := t.checkConnected(); err != nil {
			return nil, err
		}
	}
	return t.sender.AddRef(ctx, protocolVersion, destinationZone, object, callerZone, knownDirection, options, inBackChannel)
}

func (t *Transport) Release(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	options rpc.ReleaseOptions, inBackChannel []rpc.BackChannelEntry) (uint64, error) {
	if object != rpc.DummyObject {
		if err := t.checkConnected(); err != nil {
			return 0, err
		}
	}
	return t.sender.Release(ctx, protocolVersion, destinationZone, object, callerZone, options, inBackChannel)
}

func (t *Transport) ObjectReleased(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	inBackChannel []rpc.BackChannelEntry) error {
	if t.Status() != StatusConnected {
		return nil
	}
	return t.sender.ObjectReleased(ctx, protocolVersion, destinationZone, object, callerZone, inBackChannel)
}

func (t *Transport) TransportDown(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, callerZone rpc.CallerZone,
	inBackChannel []rpc.BackChannelEntry) error {
	return t.sender.TransportDown(ctx, protocolVersion, destinationZone, callerZone, inBackChannel)
}

var _ rpc.Marshaller = (*Transport)(nil)

// ---- per-zone accounting (§4.4.4) ----

func (t *Transport) zoneCount(z rpc.Zone) *zoneCounts {
	c, ok := t.zoneCounts[z]
	if !ok {
		c = &zoneCounts{}
		t.zoneCounts[z] = c
	}
	return c
}

// IncrementOutboundProxyCount records that a new object proxy whose route
// goes through this transport was created for dest.
func (t *Transport) IncrementOutboundProxyCount(dest rpc.DestinationZone) {
	t.destinationsMu.Lock()
	defer t.destinationsMu.Unlock()
	t.zoneCount(dest.AsZone()).proxyCount++
}

// DecrementOutboundProxyCount is the inverse of IncrementOutboundProxyCount.
func (t *Transport) DecrementOutboundProxyCount(dest rpc.DestinationZone) {
	t.destinationsMu.Lock()
	defer t.destinationsMu.Unlock()
	c := t.zoneCount(dest.AsZone())
	if c.proxyCount > 0 {
		c.proxyCount--
	}
	t.maybeUnregisterRouteLocked(dest.AsZone())
}

// IncrementInboundStubCount records that a remote-originated reference was
// registered locally, routed via this transport.
func (t *Transport) IncrementInboundStubCount(caller rpc.CallerZone) {
	t.destinationsMu.Lock()
	defer t.destinationsMu.Unlock()
	t.zoneCount(caller.AsZone()).stubCount++
}

// DecrementInboundStubCount is the inverse of IncrementInboundStubCount.
func (t *Transport) DecrementInboundStubCount(caller rpc.CallerZone) {
	t.destinationsMu.Lock()
	defer t.destinationsMu.Unlock()
	c := t.zoneCount(caller.AsZone())
	if c.stubCount > 0 {
		c.stubCount--
	}
	t.maybeUnregisterRouteLocked(caller.AsZone())
}

// maybeUnregisterRouteLocked asks the service to forget this route once
// both counters for z reach zero, and records whether the transport has any
// destination left at all (§4.4.4). Caller holds destinationsMu.
func (t *Transport) maybeUnregisterRouteLocked(z rpc.Zone) {
	c, ok := t.zoneCounts[z]
	if !ok {
		return
	}
	if c.proxyCount == 0 && c.stubCount == 0 {
		delete(t.zoneCounts, z)
		t.service.removeTransport(z.AsDestination())
	}
}

// ---- pass-through lookup & lazy creation (§4.4.2, §4.5) ----

func (t *Transport) getPassThrough(zone1, zone2 rpc.DestinationZone) *PassThrough {
	t.destinationsMu.RLock()
	defer t.destinationsMu.RUnlock()
	return t.passThroughs[canonicalKey(zone1, zone2)]
}

// addPassThroughLocked registers pt under the canonical key for (zone1,
// zone2); caller already holds destinationsMu and the sibling's.
func (t *Transport) addPassThroughLocked(zone1, zone2 rpc.DestinationZone, pt *PassThrough) {
	t.passThroughs[canonicalKey(zone1, zone2)] = pt
	t.destCount++
	t.telemetry.OnTransportAddDestination(t.zoneID, t.adjacentZoneID, zone1, zone2)
}

func (t *Transport) removePassThrough(zone1, zone2 rpc.DestinationZone) {
	t.destinationsMu.Lock()
	defer t.destinationsMu.Unlock()
	delete(t.passThroughs, canonicalKey(zone1, zone2))
	if t.destCount > 0 {
		t.destCount--
	}
	t.telemetry.OnTransportRemoveDestination(t.zoneID, t.adjacentZoneID, zone1, zone2)
}

// createPassThrough is the lazy router constructor of §4.5. forward
// carries traffic toward forwardDest; reverse carries it toward reverseDest.
// Both transports' destination mutexes are locked in zone-id order to avoid
// AB/BA deadlock, then existing pass-throughs are checked on both sides
// before a new one is allocated -- this makes the call idempotent
// (Testable Property 5) whichever of the two transports issues it, and
// golang.org/x/sync/singleflight additionally collapses concurrent callers
// on the same transport onto a single creator so the common case never even
// reaches the double-lock.
func createPassThrough(log *slog.Logger, forward, reverse *Transport, forwardDest, reverseDest rpc.DestinationZone) (*PassThrough, error) {
	if forwardDest == reverseDest {
		return nil, rpc.NewError(rpc.InvalidData, "pass-through requires distinct destinations, got %s twice", forwardDest)
	}
	if forward == reverse {
		return nil, rpc.NewError(rpc.InvalidData, "pass-through requires distinct transports")
	}

	sfKey := fmt.Sprintf("%d:%d:%d:%d", forward.adjacentZoneID, reverse.adjacentZoneID, forwardDest, reverseDest)
	v, err, _ := forward.sf.Do(sfKey, func() (any, error) {
		var first, second *Transport
		if forward.adjacentZoneID < reverse.adjacentZoneID {
			first, second = forward, reverse
		} else {
			first, second = reverse, forward
		}
		first.destinationsMu.Lock()
		defer first.destinationsMu.Unlock()
		if second != first {
			second.destinationsMu.Lock()
			defer second.destinationsMu.Unlock()
		}

		if existing := forward.passThroughs[canonicalKey(reverseDest, forwardDest)]; existing != nil {
			return existing, nil
		}
		if existing := reverse.passThroughs[canonicalKey(forwardDest, reverseDest)]; existing != nil {
			return existing, nil
		}

		pt := newPassThrough(log, forward, reverse, forwardDest, reverseDest)
		forward.addPassThroughLocked(reverseDest, forwardDest, pt)
		reverse.addPassThroughLocked(forwardDest, reverseDest, pt)
		return pt, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PassThrough), nil
}

// resolveRoute finds the transport that routes toward z: a direct
// registration, falling back to the known-direction hint, falling back to
// any existing pass-through that already touches z (§4.4.2 step 3).
func (t *Transport) resolveRoute(z rpc.DestinationZone, knownDirection rpc.KnownDirectionZone) *Transport {
	if direct := t.service.getTransport(z); direct != nil {
		return direct
	}
	if fallback := t.service.getTransport(knownDirection.AsDestination()); fallback != nil {
		return fallback
	}
	t.destinationsMu.RLock()
	defer t.destinationsMu.RUnlock()
	for key, pt := range t.passThroughs {
		if key.lo == z || key.hi == z {
			return pt.directionalTransport(z)
		}
	}
	return nil
}

// ---- inbound routing (§4.4.2) ----

func (t *Transport) routeInbound(destination rpc.DestinationZone, caller rpc.CallerZone, isAddRef bool, knownDirection rpc.KnownDirectionZone) (rpc.Marshaller, error) {
	if destination == t.zoneID.AsDestination() {
		return t.service, nil
	}
	if pt := t.getPassThrough(destination, caller.AsDestination()); pt != nil {
		return pt, nil
	}
	if !isAddRef {
		return nil, rpc.NewError(rpc.ZoneNotFound, "no route from zone %d to destination %s", t.zoneID, destination)
	}

	destTransport := t.resolveRoute(destination, knownDirection)
	callerTransport := t.resolveRoute(caller.AsDestination(), knownDirection)
	if destTransport == nil || callerTransport == nil {
		return nil, rpc.NewError(rpc.ZoneNotFound, "cannot route add_ref dest=%s caller=%s", destination, caller)
	}
	if destTransport == callerTransport {
		return destTransport, nil
	}
	pt, err := createPassThrough(t.log, destTransport, callerTransport, destination, caller.AsDestination())
	if err != nil {
		return nil, err
	}
	return pt, nil
}

// InboundSend routes an arriving call_send frame.
func (t *Transport) InboundSend(ctx context.Context, protocolVersion uint64, encoding uint64,
	callerZone rpc.CallerZone, destinationZone rpc.DestinationZone, object rpc.Object,
	interfaceID rpc.InterfaceOrdinal, methodID rpc.Method, inBytes []byte,
	inBackChannel []rpc.BackChannelEntry) ([]byte, []rpc.BackChannelEntry, error) {
	m, err := t.routeInbound(destinationZone, callerZone, false, 0)
	if err != nil {
		return nil, nil, err
	}
	return m.Send(ctx, protocolVersion, encoding, callerZone, destinationZone, object, interfaceID, methodID, inBytes, inBackChannel)
}

// InboundPost routes an arriving post_send frame.
func (t *Transport) InboundPost(ctx context.Context, protocolVersion uint64, encoding uint64,
	callerZone rpc.CallerZone, destinationZone rpc.DestinationZone, object rpc.Object,
	interfaceID rpc.InterfaceOrdinal, methodID rpc.Method, inBytes []byte,
	inBackChannel []rpc.BackChannelEntry) error {
	m, err := t.routeInbound(destinationZone, callerZone, false, 0)
	if err != nil {
		return err
	}
	return m.Post(ctx, protocolVersion, encoding, callerZone, destinationZone, object, interfaceID, methodID, inBytes, inBackChannel)
}

// InboundTryCast routes an arriving try_cast_send frame.
func (t *Transport) InboundTryCast(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, callerZone rpc.CallerZone, object rpc.Object, interfaceID rpc.InterfaceOrdinal) error {
	m, err := t.routeInbound(destinationZone, callerZone, false, 0)
	if err != nil {
		return err
	}
	return m.TryCast(ctx, protocolVersion, destinationZone, object, interfaceID)
}

// InboundAddRef routes an arriving addref_send frame, lazily creating a
// pass-through if this is the first traffic for the (dest, caller) pair. If
// the call is being relayed onward (through a pass-through or a further
// transport hop, rather than answered by the local service), the
// known-direction hint is rewritten to name this zone: whoever answers the
// call at the far end can always route a reply back through here, which is
// a stronger guarantee than whatever hint originally arrived with the frame
// (§4.4.2).
func (t *Transport) InboundAddRef(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	knownDirection rpc.KnownDirectionZone, options rpc.AddRefOptions,
	inBackChannel []rpc.BackChannelEntry) ([]rpc.BackChannelEntry, error) {
	m, err := t.routeInbound(destinationZone, callerZone, true, knownDirection)
	if err != nil {
		return nil, err
	}
	outKnown := knownDirection
	if _, terminal := m.(*Service); !terminal {
		outKnown = t.zoneID.AsKnownDirection()
	}
	return m.AddRef(ctx, protocolVersion, destinationZone, object, callerZone, outKnown, options, inBackChannel)
}

// InboundRelease routes an arriving release_send frame.
func (t *Transport) InboundRelease(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	options rpc.ReleaseOptions, inBackChannel []rpc.BackChannelEntry) (uint64, error) {
	m, err := t.routeInbound(destinationZone, callerZone, false, 0)
	if err != nil {
		return 0, err
	}
	return m.Release(ctx, protocolVersion, destinationZone, object, callerZone, options, inBackChannel)
}

// InboundObjectReleased routes an arriving object_released_send frame.
func (t *Transport) InboundObjectReleased(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	inBackChannel []rpc.BackChannelEntry) error {
	m, err := t.routeInbound(destinationZone, callerZone, false, 0)
	if err != nil {
		return err
	}
	return m.ObjectReleased(ctx, protocolVersion, destinationZone, object, callerZone, inBackChannel)
}

// InboundTransportDown routes an arriving transport_down_send frame.
func (t *Transport) InboundTransportDown(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, callerZone rpc.CallerZone,
	inBackChannel []rpc.BackChannelEntry) error {
	m, err := t.routeInbound(destinationZone, callerZone, false, 0)
	if err != nil {
		return err
	}
	return m.TransportDown(ctx, protocolVersion, destinationZone, callerZone, inBackChannel)
}

// ---- shutdown (§4.4.6, §4.4.7) ----

// Shutdown runs the close handshake: request close, cancel every pending
// transmit with CALL_CANCELLED, fan out disconnection to every destination
// reachable through this transport, then transition to DISCONNECTED.
// Pending transmits are cancelled at once; Shutdown does not wait for their
// replies.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.setStatus(StatusDisconnecting)
	closeErr := t.sender.RequestClose(ctx)
	t.pending.cancelAll()
	t.notifyAllDestinationsOfDisconnect(ctx)
	t.setStatus(StatusDisconnected)
	return closeErr
}

// notifyAllDestinationsOfDisconnect is invoked on wire error or normal
// shutdown. For every remote zone recorded in zoneCounts, the service runs
// its own transport_down cleanup, fanned out concurrently with
// golang.org/x/sync/errgroup since each zone's cleanup is independent of
// every other's. This guarantees stubs referenced only from a zone that
// just vanished are collected and their optimistic holders notified
// (§4.4.7).
func (t *Transport) notifyAllDestinationsOfDisconnect(ctx context.Context) {
	t.destinationsMu.RLock()
	lostZones := make([]rpc.Zone, 0, len(t.zoneCounts))
	for z := range t.zoneCounts {
		lostZones = append(lostZones, z)
	}
	t.destinationsMu.RUnlock()

	var g errgroup.Group
	for _, lost := range lostZones {
		lost := lost
		g.Go(func() error {
			if err := t.service.TransportDown(ctx, rpc.HighestSupportedVersion,
				t.zoneID.AsDestination(), lost.AsCaller(), nil); err != nil {
				t.log.Warn("transport_down propagation failed", "lost_zone", lost, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
