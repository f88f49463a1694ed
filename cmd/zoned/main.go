// Command zoned is a small demo host process for a zonerpc zone. It can run
// as a websocket server zone or dial out to one as a client zone, and it
// registers a single greeter object so two zoned processes can be pointed at
// each other to exercise call/add_ref/release end to end. Grounded on the
// teacher's own command-line entry point, generalized from its server/client
// subcommand split to kingpin's declarative command builder.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/sammck-go/zonerpc/rpc"
	"github.com/sammck-go/zonerpc/rpc/zone"
	"github.com/sammck-go/zonerpc/rpc/zone/ws"
)

const buildVersion = "0.1.0-dev"

var (
	app = kingpin.New("zoned", "Run a zonerpc zone as a standalone process.")

	version = app.Flag("version", "print the version and exit").Short('v').Bool()

	serveCmd     = app.Command("serve", "listen for an incoming zone connection")
	serveAddr    = serveCmd.Flag("listen", "host:port to listen on").Default("0.0.0.0:8080").String()
	serveZoneID  = serveCmd.Flag("zone", "this zone's id").Default("1").Uint64()
	servePeerID  = serveCmd.Flag("peer-zone", "the connecting peer's zone id").Default("2").Uint64()

	dialCmd     = app.Command("dial", "connect outbound to a listening zone")
	dialAddr    = dialCmd.Arg("server", "ws://host:port to dial").Required().String()
	dialZoneID  = dialCmd.Flag("zone", "this zone's id").Default("2").Uint64()
	dialPeerID  = dialCmd.Flag("peer-zone", "the server's zone id").Default("1").Uint64()
	dialRetries = dialCmd.Flag("max-retries", "give up after this many dial attempts (0 = forever)").Default("0").Int()
)

func sigCancel(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	signal.Stop(sig)
	cancel()
}

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))
	if *version {
		fmt.Println(buildVersion)
		return
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sigCancel(ctx, cancel)

	var err error
	switch cmd {
	case serveCmd.FullCommand():
		err = runServe(ctx, log, *serveAddr, rpc.Zone(*serveZoneID), rpc.Zone(*servePeerID))
	case dialCmd.FullCommand():
		err = runDial(ctx, log, *dialAddr, rpc.Zone(*dialZoneID), rpc.Zone(*dialPeerID), *dialRetries)
	}
	if err != nil {
		log.Error("zoned exited with error", "error", err)
		os.Exit(1)
	}
}

// greeter is the one demo object every zoned process hosts at object id 1,
// implementing the single-method "greeting" interface.
type greeter struct {
	zoneID rpc.Zone
}

const (
	greeterInterface rpc.InterfaceOrdinal = 1
	greeterHello     rpc.Method           = 1
)

type greeterStub struct {
	impl *greeter
}

func (s *greeterStub) InterfaceID() rpc.InterfaceOrdinal { return greeterInterface }

func (s *greeterStub) Call(ctx context.Context, methodID rpc.Method, inBytes []byte) ([]byte, error) {
	switch methodID {
	case greeterHello:
		return []byte(fmt.Sprintf("hello from zone %d, you said: %s", s.impl.zoneID, string(inBytes))), nil
	default:
		return nil, rpc.NewError(rpc.InvalidMethodID, "greeter has no method %d", methodID)
	}
}

func greeterFactory(generic *zone.ObjectStub) (zone.InterfaceStub, error) {
	g, ok := generic.Impl().(*greeter)
	if !ok {
		return nil, rpc.NewError(rpc.InvalidCast, "not a greeter")
	}
	return &greeterStub{impl: g}, nil
}

func newService(log *slog.Logger, zoneID rpc.Zone) *zone.Service {
	svc := zone.NewService(log, zoneID)
	svc.RegisterFactory(greeterInterface, greeterFactory)
	svc.RegisterStubAt(rpc.Object(1), &greeter{zoneID: zoneID})
	return svc
}

func runServe(ctx context.Context, log *slog.Logger, addr string, zoneID, peerZoneID rpc.Zone) error {
	svc := newService(log, zoneID)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(log, w, r)
		if err != nil {
			log.Error("accept failed", "error", err)
			return
		}
		transport := zone.NewTransport(log, svc, zoneID, peerZoneID, conn)
		conn.Bind(transport)
		svc.RegisterTransport(peerZoneID.AsDestination(), transport)
		transport.MarkConnected()
		log.Info("peer connected", "peer_zone", peerZoneID)
		if err := conn.Serve(r.Context()); err != nil {
			log.Info("peer connection ended", "error", err)
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", "addr", addr, "zone", zoneID)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runDial(ctx context.Context, log *slog.Logger, addr string, zoneID, peerZoneID rpc.Zone, maxRetries int) error {
	svc := newService(log, zoneID)

	conn, err := ws.Dial(ctx, log, addr, maxRetries)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	transport := zone.NewTransport(log, svc, zoneID, peerZoneID, conn)
	conn.Bind(transport)
	svc.RegisterTransport(peerZoneID.AsDestination(), transport)
	transport.MarkConnected()

	serveErr := make(chan error, 1)
	go func() { serveErr <- conn.Serve(ctx) }()

	sp := zone.NewServiceProxy(log, zoneID, peerZoneID.AsDestination(), transport)
	op := sp.GetObjectProxy(rpc.Object(1))
	if err := op.AddRef(ctx, false); err != nil {
		return fmt.Errorf("add_ref root object: %w", err)
	}
	defer op.Release(ctx, false)

	iface, err := op.Cast(ctx, greeterInterface)
	if err != nil {
		return fmt.Errorf("cast to greeter: %w", err)
	}
	reply, err := iface.Call(ctx, greeterHello, []byte(fmt.Sprintf("hi from zone %d", zoneID)))
	if err != nil {
		return fmt.Errorf("call hello: %w", err)
	}
	log.Info("greeter replied", "reply", string(reply))

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		return transport.Shutdown(context.Background())
	}
}
