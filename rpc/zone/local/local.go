// Package local provides an in-process WireSender that couples two zones
// through direct method calls, without a socket or framing layer -- the
// in-process equivalent of a "loop" endpoint that short-circuits the usual
// dial/accept dance because both ends live in the same process.
package local

import (
	"context"
	"log/slog"

	"github.com/sammck-go/zonerpc/rpc"
	"github.com/sammck-go/zonerpc/rpc/zone"
)

// sender is the WireSender half that forwards every outbound call straight
// into the peer transport's Inbound* methods. Send, TryCast, AddRef, Release
// and TransportDown run synchronously on the caller's goroutine; Post and
// ObjectReleased are delivered on a new goroutine and return at once.
type sender struct {
	log  *slog.Logger
	peer *zone.Transport
}

func (s *sender) Send(ctx context.Context, protocolVersion uint64, encoding uint64,
	callerZone rpc.CallerZone, destinationZone rpc.DestinationZone, object rpc.Object,
	interfaceID rpc.InterfaceOrdinal, methodID rpc.Method, inBytes []byte,
	inBackChannel []rpc.BackChannelEntry) ([]byte, []rpc.BackChannelEntry, error) {
	return s.peer.InboundSend(ctx, protocolVersion, encoding, callerZone, destinationZone, object, interfaceID, methodID, inBytes, inBackChannel)
}

func (s *sender) Post(ctx context.Context, protocolVersion uint64, encoding uint64,
	callerZone rpc.CallerZone, destinationZone rpc.DestinationZone, object rpc.Object,
	interfaceID rpc.InterfaceOrdinal, methodID rpc.Method, inBytes []byte,
	inBackChannel []rpc.BackChannelEntry) error {
	go func() {
		if _, _, err := s.peer.InboundSend(context.Background(), protocolVersion, encoding, callerZone, destinationZone, object, interfaceID, methodID, inBytes, inBackChannel); err != nil {
			s.log.Debug("post delivery failed", "error", err)
		}
	}()
	return nil
}

func (s *sender) TryCast(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, interfaceID rpc.InterfaceOrdinal) error {
	return s.peer.InboundTryCast(ctx, protocolVersion, destinationZone, 0, object, interfaceID)
}

func (s *sender) AddRef(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	knownDirection rpc.KnownDirectionZone, options rpc.AddRefOptions,
	inBackChannel []rpc.BackChannelEntry) ([]rpc.BackChannelEntry, error) {
	return s.peer.InboundAddRef(ctx, protocolVersion, destinationZone, object, callerZone, knownDirection, options, inBackChannel)
}

func (s *sender) Release(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	options rpc.ReleaseOptions, inBackChannel []rpc.BackChannelEntry) (uint64, error) {
	return s.peer.InboundRelease(ctx, protocolVersion, destinationZone, object, callerZone, options, inBackChannel)
}

func (s *sender) ObjectReleased(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	inBackChannel []rpc.BackChannelEntry) error {
	go func() {
		if err := s.peer.InboundObjectReleased(context.Background(), protocolVersion, destinationZone, object, callerZone, inBackChannel); err != nil {
			s.log.Debug("object_released delivery failed", "error", err)
		}
	}()
	return nil
}

func (s *sender) TransportDown(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, callerZone rpc.CallerZone,
	inBackChannel []rpc.BackChannelEntry) error {
	return s.peer.InboundTransportDown(ctx, protocolVersion, destinationZone, callerZone, inBackChannel)
}

func (s *sender) RequestClose(ctx context.Context) error {
	return nil
}

var _ zone.WireSender = (*sender)(nil)

// Pair wires serviceA and serviceB together with a pair of Transports that
// deliver through direct calls into each other rather than any byte-level
// codec, and marks both CONNECTED. It is meant for unit tests and
// single-process demos where a real socket would add nothing.
func Pair(log *slog.Logger, serviceA *zone.Service, zoneA rpc.Zone, serviceB *zone.Service, zoneB rpc.Zone) (*zone.Transport, *zone.Transport) {
	transportA := zone.NewTransport(log, serviceA, zoneA, zoneB, nil)
	transportB := zone.NewTransport(log, serviceB, zoneB, zoneA, nil)

	transportA.SetSender(&sender{log: log.With("side", "a"), peer: transportB})
	transportB.SetSender(&sender{log: log.With("side", "b"), peer: transportA})

	serviceA.RegisterTransport(zoneB.AsDestination(), transportA)
	serviceB.RegisterTransport(zoneA.AsDestination(), transportB)

	transportA.MarkConnected()
	transportB.MarkConnected()

	return transportA, transportB
}
