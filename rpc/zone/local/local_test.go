package local_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sammck-go/zonerpc/rpc"
	"github.com/sammck-go/zonerpc/rpc/zone"
	"github.com/sammck-go/zonerpc/rpc/zone/local"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	echoInterface rpc.InterfaceOrdinal = 1
	echoMethod    rpc.Method           = 1
	rootObject    rpc.Object           = 1
)

type echoStub struct{}

func (echoStub) InterfaceID() rpc.InterfaceOrdinal { return echoInterface }
func (echoStub) Call(ctx context.Context, methodID rpc.Method, inBytes []byte) ([]byte, error) {
	if methodID != echoMethod {
		return nil, rpc.NewError(rpc.InvalidMethodID, "unexpected method %d", methodID)
	}
	out := make([]byte, len(inBytes))
	copy(out, inBytes)
	return out, nil
}

func serviceWithEcho(zoneID rpc.Zone) *zone.Service {
	log := testLogger()
	svc := zone.NewService(log, zoneID)
	svc.RegisterFactory(echoInterface, func(*zone.ObjectStub) (zone.InterfaceStub, error) {
		return echoStub{}, nil
	})
	if _, err := svc.RegisterStubAt(rootObject, struct{}{}); err != nil {
		panic(err)
	}
	return svc
}

// TestTwoZoneEcho exercises a proxy call across one adjacent transport: cast,
// call, release.
func TestTwoZoneEcho(t *testing.T) {
	ctx := context.Background()
	log := testLogger()

	zoneA, zoneB := rpc.Zone(1), rpc.Zone(2)
	serviceA := zone.NewService(log, zoneA)
	serviceB := serviceWithEcho(zoneB)

	transportA, _ := local.Pair(log, serviceA, zoneA, serviceB, zoneB)

	sp := zone.NewServiceProxy(log, zoneA, zoneB.AsDestination(), transportA)
	op := sp.GetObjectProxy(rootObject)

	require.NoError(t, op.AddRef(ctx, false))

	iface, err := op.Cast(ctx, echoInterface)
	require.NoError(t, err)

	out, err := iface.Call(ctx, echoMethod, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, "ping", string(out))

	require.NoError(t, op.Release(ctx, false))
}

// TestThreeZoneTransitCreatesPassThrough exercises a call from zone A to
// zone C that must be routed through zone B, which holds no interest of its
// own in the object -- the middle transport lazily creates a PassThrough the
// first time it sees traffic for the (A, C) pair, and reuses it afterward.
func TestThreeZoneTransitCreatesPassThrough(t *testing.T) {
	ctx := context.Background()
	log := testLogger()

	zoneA, zoneB, zoneC := rpc.Zone(1), rpc.Zone(2), rpc.Zone(3)
	serviceA := zone.NewService(log, zoneA)
	serviceB := zone.NewService(log, zoneB)
	serviceC := serviceWithEcho(zoneC)

	transportA, _ := local.Pair(log, serviceA, zoneA, serviceB, zoneB)
	_, _ = local.Pair(log, serviceB, zoneB, serviceC, zoneC)

	// add_ref from A toward C must build the destination route along the
	// way, which is what triggers pass-through creation at B.
	_, err := transportA.AddRef(ctx, rpc.HighestSupportedVersion, zoneC.AsDestination(), rootObject,
		zoneA.AsCaller(), zoneA.AsKnownDirection(), rpc.AddRefBuildDestinationRoute, nil)
	require.NoError(t, err)

	out, _, err := transportA.Send(ctx, rpc.HighestSupportedVersion, 0, zoneA.AsCaller(), zoneC.AsDestination(),
		rootObject, echoInterface, echoMethod, []byte("pong"), nil)
	require.NoError(t, err)
	require.Equal(t, "pong", string(out))

	// a second call reuses the already-created pass-through rather than
	// erroring or creating a duplicate.
	out2, _, err := transportA.Send(ctx, rpc.HighestSupportedVersion, 0, zoneA.AsCaller(), zoneC.AsDestination(),
		rootObject, echoInterface, echoMethod, []byte("pong again"), nil)
	require.NoError(t, err)
	require.Equal(t, "pong again", string(out2))

	remaining, err := transportA.Release(ctx, rpc.HighestSupportedVersion, zoneC.AsDestination(), rootObject, zoneA.AsCaller(), rpc.ReleaseNormal, nil)
	require.NoError(t, err)
	require.Zero(t, remaining)
}
