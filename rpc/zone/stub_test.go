package zone

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sammck-go/zonerpc/rpc"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

type echoImpl struct{}

func echoFactory(generic *ObjectStub) (InterfaceStub, error) {
	return &echoStub{}, nil
}

type echoStub struct{}

func (echoStub) InterfaceID() rpc.InterfaceOrdinal { return 1 }
func (echoStub) Call(ctx context.Context, methodID rpc.Method, inBytes []byte) ([]byte, error) {
	return inBytes, nil
}

func newTestStub() *ObjectStub {
	return NewObjectStub(discardLogger(), rpc.Object(1), &echoImpl{}, map[rpc.InterfaceOrdinal]StubFactory{
		1: echoFactory,
	})
}

func TestObjectStubCallRoundTrip(t *testing.T) {
	stub := newTestStub()
	out, err := stub.Call(context.Background(), rpc.HighestSupportedVersion, rpc.CallerZone(2), 1, 1, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), out)
}

func TestObjectStubTryCastUnknownInterface(t *testing.T) {
	stub := newTestStub()
	err := stub.TryCast(99)
	require.Error(t, err)
	require.Equal(t, rpc.InvalidCast, rpc.CodeOf(err))
}

func TestObjectStubZombieRejectsNewSharedRef(t *testing.T) {
	stub := newTestStub()
	a, b := rpc.CallerZone(10), rpc.CallerZone(20)

	require.NoError(t, stub.AddRef(false, false, a))
	require.NoError(t, stub.AddRef(true, false, b))

	// a releases its only shared ref; sharedSum hits zero while b's
	// optimistic ref survives, making the stub a zombie for new shared refs.
	require.Zero(t, stub.Release(false, a))

	err := stub.AddRef(false, false, rpc.CallerZone(30))
	require.Error(t, err)
	require.Equal(t, rpc.ObjectGone, rpc.CodeOf(err))

	// optimistic refs are unaffected by zombie state.
	require.NoError(t, stub.AddRef(true, false, rpc.CallerZone(30)))
}

func TestObjectStubOptimisticSurvivesSharedRelease(t *testing.T) {
	stub := newTestStub()
	owner, watcher := rpc.CallerZone(1), rpc.CallerZone(2)

	require.NoError(t, stub.AddRef(false, false, owner))
	require.NoError(t, stub.AddRef(true, false, watcher))

	require.Zero(t, stub.Release(false, owner))
	holders := stub.OptimisticHolders()
	require.Equal(t, []rpc.CallerZone{watcher}, holders)
}

func TestObjectStubReleaseAllFromZone(t *testing.T) {
	stub := newTestStub()
	z := rpc.CallerZone(5)
	require.NoError(t, stub.AddRef(false, false, z))
	require.NoError(t, stub.AddRef(false, false, z))
	require.NoError(t, stub.AddRef(true, false, z))

	require.True(t, stub.HasReferencesFromZone(z))
	shouldDelete := stub.ReleaseAllFromZone(z)
	require.True(t, shouldDelete)
	require.False(t, stub.HasReferencesFromZone(z))
	require.Zero(t, stub.SharedSum())
}
