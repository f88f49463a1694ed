package zone

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sammck-go/zonerpc/rpc"
)

// blockingSender is a WireSender whose Send closes entered (if set) and then
// blocks until unblock is closed, used to simulate a call suspended on the
// wire when the transport goes down underneath it.
type blockingSender struct {
	unblock chan struct{}
	entered chan struct{}
}

func (b *blockingSender) Send(ctx context.Context, protocolVersion, encoding uint64,
	callerZone rpc.CallerZone, destinationZone rpc.DestinationZone, object rpc.Object,
	interfaceID rpc.InterfaceOrdinal, methodID rpc.Method, inBytes []byte,
	inBackChannel []rpc.BackChannelEntry) ([]byte, []rpc.BackChannelEntry, error) {
	if b.entered != nil {
		close(b.entered)
	}
	<-b.unblock
	return inBytes, nil, nil
}

func (b *blockingSender) Post(context.Context, uint64, uint64, rpc.CallerZone, rpc.DestinationZone,
	rpc.Object, rpc.InterfaceOrdinal, rpc.Method, []byte, []rpc.BackChannelEntry) error {
	return nil
}

func (b *blockingSender) TryCast(context.Context, uint64, rpc.DestinationZone, rpc.Object, rpc.InterfaceOrdinal) error {
	return nil
}

func (b *blockingSender) AddRef(ctx context.Context, protocolVersion uint64, destinationZone rpc.DestinationZone,
	object rpc.Object, callerZone rpc.CallerZone, knownDirection rpc.KnownDirectionZone,
	options rpc.AddRefOptions, inBackChannel []rpc.BackChannelEntry) ([]rpc.BackChannelEntry, error) {
	return nil, nil
}

func (b *blockingSender) Release(context.Context, uint64, rpc.DestinationZone, rpc.Object, rpc.CallerZone,
	rpc.ReleaseOptions, []rpc.BackChannelEntry) (uint64, error) {
	return 0, nil
}

func (b *blockingSender) ObjectReleased(context.Context, uint64, rpc.DestinationZone, rpc.Object,
	rpc.CallerZone, []rpc.BackChannelEntry) error {
	return nil
}

func (b *blockingSender) TransportDown(context.Context, uint64, rpc.DestinationZone, rpc.CallerZone,
	[]rpc.BackChannelEntry) error {
	return nil
}

func (b *blockingSender) RequestClose(ctx context.Context) error { return nil }

var _ WireSender = (*blockingSender)(nil)

// TestServiceRejectsUnsupportedProtocolVersion covers the version check on
// an inbound call: a Send whose version is outside
// [LowestSupportedVersion, HighestSupportedVersion] is rejected by the
// object stub with INVALID_VERSION before it reaches the implementation.
func TestServiceRejectsUnsupportedProtocolVersion(t *testing.T) {
	svc := NewService(discardLogger(), rpc.Zone(1))
	svc.RegisterFactory(1, echoFactory)
	_, err := svc.RegisterStubAt(rpc.Object(1), &echoImpl{})
	require.NoError(t, err)

	_, _, err = svc.Send(context.Background(), rpc.HighestSupportedVersion+1, 0,
		rpc.CallerZone(2), rpc.DestinationZone(1), rpc.Object(1), 1, 1, []byte("hi"), nil)
	require.Error(t, err)
	require.Equal(t, rpc.InvalidVersion, rpc.CodeOf(err))
}

// TestTransportShutdownCancelsPendingSend covers the case of a transport
// failing mid-call: a Send suspended on the wire must complete with
// CALL_CANCELLED once Shutdown runs, rather than hanging forever, and a
// subsequent Send on the same transport must fail fast since it is no
// longer CONNECTED.
func TestTransportShutdownCancelsPendingSend(t *testing.T) {
	svc := NewService(discardLogger(), rpc.Zone(1))
	sender := &blockingSender{unblock: make(chan struct{}), entered: make(chan struct{})}
	tr := NewTransport(discardLogger(), svc, rpc.Zone(1), rpc.Zone(2), sender)
	tr.MarkConnected()

	resCh := make(chan error, 1)
	go func() {
		_, _, err := tr.Send(context.Background(), rpc.HighestSupportedVersion, 0,
			rpc.CallerZone(2), rpc.DestinationZone(3), rpc.Object(1), 1, 1, []byte("hi"), nil)
		resCh <- err
	}()
	<-sender.entered

	require.NoError(t, tr.Shutdown(context.Background()))

	err := <-resCh
	require.Error(t, err)
	require.Equal(t, rpc.CallCancelled, rpc.CodeOf(err))

	_, _, err = tr.Send(context.Background(), rpc.HighestSupportedVersion, 0,
		rpc.CallerZone(2), rpc.DestinationZone(3), rpc.Object(1), 1, 1, []byte("hi"), nil)
	require.Error(t, err)
	require.Equal(t, rpc.TransportError, rpc.CodeOf(err))
}
