package rpc

import "context"

// Marshaller is the contract shared by every component that can accept a
// method invocation or a reference-counting operation addressed to a
// destination zone: a Service (when the destination is local), a Transport
// (when the destination is an adjacent zone, outbound), and a PassThrough
// (when the destination is neither local nor adjacent, but reachable
// through this zone). §4.3/§4.4/§4.5 each implement this contract
// for their own routing rule.
type Marshaller interface {
	// Send dispatches a method invocation and returns the reply payload.
	Send(ctx context.Context, protocolVersion uint64, encoding uint64,
		callerZone CallerZone, destinationZone DestinationZone, object Object,
		interfaceID InterfaceOrdinal, methodID Method, inBytes []byte,
		inBackChannel []BackChannelEntry) (outBytes []byte, outBackChannel []BackChannelEntry, err error)

	// Post dispatches a fire-and-forget invocation; there is no reply.
	Post(ctx context.Context, protocolVersion uint64, encoding uint64,
		callerZone CallerZone, destinationZone DestinationZone, object Object,
		interfaceID InterfaceOrdinal, methodID Method, inBytes []byte,
		inBackChannel []BackChannelEntry) error

	// TryCast reports whether the object implements the named interface.
	TryCast(ctx context.Context, protocolVersion uint64,
		destinationZone DestinationZone, object Object, interfaceID InterfaceOrdinal) error

	// AddRef increments a reference per §4.1/§4.3's routing rules.
	AddRef(ctx context.Context, protocolVersion uint64,
		destinationZone DestinationZone, object Object, callerZone CallerZone,
		knownDirection KnownDirectionZone, options AddRefOptions,
		inBackChannel []BackChannelEntry) (outBackChannel []BackChannelEntry, err error)

	// Release decrements a reference, returning the stub's aggregate shared
	// count after the operation.
	Release(ctx context.Context, protocolVersion uint64,
		destinationZone DestinationZone, object Object, callerZone CallerZone,
		options ReleaseOptions, inBackChannel []BackChannelEntry) (sharedRemainder uint64, err error)

	// ObjectReleased is the fire-and-forget notification posted to every
	// optimistic holder when a stub is finally destroyed.
	ObjectReleased(ctx context.Context, protocolVersion uint64,
		destinationZone DestinationZone, object Object, callerZone CallerZone,
		inBackChannel []BackChannelEntry) error

	// TransportDown tells the destination's service that its peer in
	// callerZone is gone; the destination cleans up every stub referenced
	// from that caller.
	TransportDown(ctx context.Context, protocolVersion uint64,
		destinationZone DestinationZone, callerZone CallerZone,
		inBackChannel []BackChannelEntry) error
}

// ServiceEventListener receives notifications about objects whose stub was
// destroyed, fired outside the service's own locks (§6).
type ServiceEventListener interface {
	OnObjectReleased(ctx context.Context, object Object, destination DestinationZone)
}

// Telemetry is the narrow hook surface the core calls into at service
// add_ref/release/object_released/transport_down and when a transport adds
// or removes a pass-through destination; transport connection-status
// changes have no hook. It is out of scope
// as a concrete sink (§1); the zero value (NopTelemetry) is always a
// valid Telemetry.
type Telemetry interface {
	OnServiceAddRef(zoneID Zone, destination DestinationZone, object Object, caller CallerZone, options AddRefOptions)
	OnServiceRelease(zoneID Zone, destination DestinationZone, object Object, caller CallerZone, options ReleaseOptions)
	OnServiceObjectReleased(zoneID Zone, destination DestinationZone, caller CallerZone, object Object)
	OnServiceTransportDown(zoneID Zone, destination DestinationZone, caller CallerZone)
	OnTransportAddDestination(zoneID, adjacentZoneID Zone, zone1, zone2 DestinationZone)
	OnTransportRemoveDestination(zoneID, adjacentZoneID Zone, zone1, zone2 DestinationZone)
}

// NopTelemetry discards every event. It is the default Telemetry for a
// Service or Transport that was not given one explicitly.
type NopTelemetry struct{}

func (NopTelemetry) OnServiceAddRef(Zone, DestinationZone, Object, CallerZone, AddRefOptions)  {}
func (NopTelemetry) OnServiceRelease(Zone, DestinationZone, Object, CallerZone, ReleaseOptions) {}
func (NopTelemetry) OnServiceObjectReleased(Zone, DestinationZone, CallerZone, Object)          {}
func (NopTelemetry) OnServiceTransportDown(Zone, DestinationZone, CallerZone)                   {}
func (NopTelemetry) OnTransportAddDestination(Zone, Zone, DestinationZone, DestinationZone)     {}
func (NopTelemetry) OnTransportRemoveDestination(Zone, Zone, DestinationZone, DestinationZone)  {}

var _ Telemetry = NopTelemetry{}
