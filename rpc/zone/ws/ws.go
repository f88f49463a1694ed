// Package ws implements a WireSender over a single gorilla/websocket
// connection: every rpc.Marshaller operation is encoded as an rpc.Frame
// (a Prefix/Fingerprint envelope wrapping a JSON-encoded payload),
// correlated by sequence number for the operations that wait on a reply,
// and a jpillora/backoff dialer drives client-side reconnection. The
// payload codec is this package's own concern -- JSON-over-websocket here
// is one adapter among many a deployment could choose, grounded on the
// teacher's own client/server websocket plumbing.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/sammck-go/zonerpc/rpc"
	"github.com/sammck-go/zonerpc/rpc/zone"
)

const subprotocol = "zonerpc.v1"

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(*http.Request) bool { return true },
	Subprotocols: []string{subprotocol},
}

// body is the operation-specific payload carried inside an rpc.Frame's
// opaque Payload bytes. rpc.Frame itself only knows about the prefix and
// the fingerprint; decoding the payload is this transport's job.
type body struct {
	ProtocolVersion uint64                 `json:"protocol_version,omitempty"`
	Encoding        uint64                 `json:"encoding,omitempty"`
	CallerZone      uint64                 `json:"caller_zone,omitempty"`
	DestinationZone uint64                 `json:"destination_zone,omitempty"`
	Object          uint64                 `json:"object,omitempty"`
	InterfaceID     uint64                 `json:"interface_id,omitempty"`
	MethodID        uint64                 `json:"method_id,omitempty"`
	KnownDirection  uint64                 `json:"known_direction,omitempty"`
	AddRefOptions   uint32                 `json:"add_ref_options,omitempty"`
	ReleaseOptions  uint32                 `json:"release_options,omitempty"`
	InBytes         []byte                 `json:"in_bytes,omitempty"`
	InBackChannel   []rpc.BackChannelEntry `json:"in_back_channel,omitempty"`
	OutBytes        []byte                 `json:"out_bytes,omitempty"`
	OutBackChannel  []rpc.BackChannelEntry `json:"out_back_channel,omitempty"`
	SharedRemainder uint64                 `json:"shared_remainder,omitempty"`
	ErrorCode       int                    `json:"error_code,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
}

func encodeBody(b body) ([]byte, error) {
	return json.Marshal(b)
}

func decodeBody(payload []byte) (body, error) {
	var b body
	if len(payload) == 0 {
		return b, nil
	}
	err := json.Unmarshal(payload, &b)
	return b, err
}

func errToBody(b *body, err error) {
	if err == nil {
		return
	}
	b.ErrorCode = int(rpc.CodeOf(err))
	b.ErrorMessage = err.Error()
}

func bodyToErr(b body) error {
	if b.ErrorCode == int(rpc.OK) && b.ErrorMessage == "" {
		return nil
	}
	return rpc.NewError(rpc.ErrorCode(b.ErrorCode), "%s", b.ErrorMessage)
}

// buildFrame encodes b and wraps it in the envelope §6 describes:
// a fixed prefix (protocol version, direction, sequence number, payload
// size) plus a fingerprint naming the payload's shape.
func buildFrame(protocolVersion uint64, direction rpc.Direction, seq uint64, fp rpc.PayloadFingerprint, b body) (rpc.Frame, error) {
	payload, err := encodeBody(b)
	if err != nil {
		return rpc.Frame{}, err
	}
	return rpc.Frame{
		Prefix: rpc.FramePrefix{
			ProtocolVersion: protocolVersion,
			Direction:       direction,
			SequenceNumber:  seq,
			PayloadSize:     uint64(len(payload)),
		},
		Fingerprint: fp,
		Payload:     payload,
	}, nil
}

// Conn is one endpoint of a JSON-over-websocket wire. It implements
// zone.WireSender for outbound traffic and, once bound to a local
// *zone.Transport with Bind, answers inbound traffic arriving from its peer.
type Conn struct {
	log *slog.Logger
	ws  *websocket.Conn

	writeMu sync.Mutex

	peer *zone.Transport

	pendingMu sync.Mutex
	nextSeq   uint64
	pending   map[uint64]chan rpc.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an already-established websocket connection.
func NewConn(log *slog.Logger, ws *websocket.Conn) *Conn {
	return &Conn{
		log:     log,
		ws:      ws,
		pending: make(map[uint64]chan rpc.Frame),
		closed:  make(chan struct{}),
	}
}

// Bind attaches the local transport that inbound frames are routed into.
// Must be called before Serve.
func (c *Conn) Bind(peer *zone.Transport) { c.peer = peer }

func (c *Conn) writeFrame(f rpc.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

// Serve runs the read loop until the connection closes or ctx is cancelled.
// It is meant to run in its own goroutine for the lifetime of the
// connection.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.markClosed()
	for {
		var f rpc.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return err
		}
		if f.Prefix.Direction == rpc.DirectionReceive {
			c.resolve(f)
			continue
		}
		c.dispatch(ctx, f)
	}
}

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) resolve(f rpc.Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.Prefix.SequenceNumber]
	if ok {
		delete(c.pending, f.Prefix.SequenceNumber)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- f
	}
}

func (c *Conn) register() (uint64, chan rpc.Frame) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.nextSeq++
	seq := c.nextSeq
	ch := make(chan rpc.Frame, 1)
	c.pending[seq] = ch
	return seq, ch
}

// reply encodes b as a DirectionReceive frame answering seq with fingerprint
// fp and writes it back to the peer.
func (c *Conn) reply(seq uint64, fp rpc.PayloadFingerprint, b body, what string) {
	resp, err := buildFrame(0, rpc.DirectionReceive, seq, fp, b)
	if err != nil {
		c.log.Warn("failed to encode response", "what", what, "error", err)
		return
	}
	if werr := c.writeFrame(resp); werr != nil {
		c.log.Warn("failed to write response", "what", what, "error", werr)
	}
}

func (c *Conn) dispatch(ctx context.Context, f rpc.Frame) {
	if c.peer == nil {
		c.log.Warn("received frame before Bind, dropping", "fingerprint", f.Fingerprint)
		return
	}
	b, err := decodeBody(f.Payload)
	if err != nil {
		c.log.Warn("failed to decode frame payload", "fingerprint", f.Fingerprint, "error", err)
		return
	}
	// The protocol version travels in the frame prefix, not in the body.
	b.ProtocolVersion = f.Prefix.ProtocolVersion
	seq := f.Prefix.SequenceNumber
	switch f.Fingerprint {
	case rpc.FingerprintCallSend:
		out, bc, err := c.peer.InboundSend(ctx, b.ProtocolVersion, b.Encoding,
			rpc.CallerZone(b.CallerZone), rpc.DestinationZone(b.DestinationZone), rpc.Object(b.Object),
			rpc.InterfaceOrdinal(b.InterfaceID), rpc.Method(b.MethodID), b.InBytes, b.InBackChannel)
		resp := body{OutBytes: out, OutBackChannel: bc}
		errToBody(&resp, err)
		c.reply(seq, rpc.FingerprintCallReceive, resp, "send")
	case rpc.FingerprintPostSend:
		go func() {
			if err := c.peer.InboundPost(context.Background(), b.ProtocolVersion, b.Encoding,
				rpc.CallerZone(b.CallerZone), rpc.DestinationZone(b.DestinationZone), rpc.Object(b.Object),
				rpc.InterfaceOrdinal(b.InterfaceID), rpc.Method(b.MethodID), b.InBytes, b.InBackChannel); err != nil {
				c.log.Debug("post delivery failed", "error", err)
			}
		}()
	case rpc.FingerprintTryCastSend:
		err := c.peer.InboundTryCast(ctx, b.ProtocolVersion, rpc.DestinationZone(b.DestinationZone),
			rpc.CallerZone(b.CallerZone), rpc.Object(b.Object), rpc.InterfaceOrdinal(b.InterfaceID))
		resp := body{}
		errToBody(&resp, err)
		c.reply(seq, rpc.FingerprintTryCastReceive, resp, "try_cast")
	case rpc.FingerprintAddRefSend:
		bc, err := c.peer.InboundAddRef(ctx, b.ProtocolVersion, rpc.DestinationZone(b.DestinationZone),
			rpc.Object(b.Object), rpc.CallerZone(b.CallerZone), rpc.KnownDirectionZone(b.KnownDirection),
			rpc.AddRefOptions(b.AddRefOptions), b.InBackChannel)
		resp := body{OutBackChannel: bc}
		errToBody(&resp, err)
		c.reply(seq, rpc.FingerprintAddRefReceive, resp, "add_ref")
	case rpc.FingerprintReleaseSend:
		remainder, err := c.peer.InboundRelease(ctx, b.ProtocolVersion, rpc.DestinationZone(b.DestinationZone),
			rpc.Object(b.Object), rpc.CallerZone(b.CallerZone), rpc.ReleaseOptions(b.ReleaseOptions), b.InBackChannel)
		resp := body{SharedRemainder: remainder}
		errToBody(&resp, err)
		c.reply(seq, rpc.FingerprintReleaseReceive, resp, "release")
	case rpc.FingerprintObjectReleasedSend:
		go func() {
			if err := c.peer.InboundObjectReleased(context.Background(), b.ProtocolVersion,
				rpc.DestinationZone(b.DestinationZone), rpc.Object(b.Object), rpc.CallerZone(b.CallerZone), b.InBackChannel); err != nil {
				c.log.Debug("object_released delivery failed", "error", err)
			}
		}()
	case rpc.FingerprintTransportDownSend:
		go func() {
			if err := c.peer.InboundTransportDown(context.Background(), b.ProtocolVersion,
				rpc.DestinationZone(b.DestinationZone), rpc.CallerZone(b.CallerZone), b.InBackChannel); err != nil {
				c.log.Debug("transport_down delivery failed", "error", err)
			}
		}()
	case rpc.FingerprintCloseConnectionSend:
		c.reply(seq, rpc.FingerprintCloseConnectionReceived, body{}, "close")
	default:
		c.log.Warn("unknown frame fingerprint, dropping", "fingerprint", f.Fingerprint)
	}
}

func (c *Conn) roundTrip(ctx context.Context, protocolVersion uint64, fp rpc.PayloadFingerprint, b body) (body, error) {
	seq, ch := c.register()
	f, err := buildFrame(protocolVersion, rpc.DirectionSend, seq, fp, b)
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return body{}, rpc.WrapError(rpc.TransportError, err, "encode frame")
	}
	if err := c.writeFrame(f); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return body{}, rpc.WrapError(rpc.TransportError, err, "write frame")
	}
	select {
	case resp := <-ch:
		return decodeBody(resp.Payload)
	case <-ctx.Done():
		return body{}, rpc.WrapError(rpc.TimeoutError, ctx.Err(), "waiting for reply")
	case <-c.closed:
		return body{}, rpc.NewError(rpc.CallCancelled, "connection closed while waiting for reply")
	}
}

func (c *Conn) oneWay(fp rpc.PayloadFingerprint, protocolVersion uint64, b body) error {
	f, err := buildFrame(protocolVersion, rpc.DirectionOneWay, 0, fp, b)
	if err != nil {
		return rpc.WrapError(rpc.TransportError, err, "encode frame")
	}
	return c.writeFrame(f)
}

// ---- zone.WireSender ----

func (c *Conn) Send(ctx context.Context, protocolVersion uint64, encoding uint64,
	callerZone rpc.CallerZone, destinationZone rpc.DestinationZone, object rpc.Object,
	interfaceID rpc.InterfaceOrdinal, methodID rpc.Method, inBytes []byte,
	inBackChannel []rpc.BackChannelEntry) ([]byte, []rpc.BackChannelEntry, error) {
	resp, err := c.roundTrip(ctx, protocolVersion, rpc.FingerprintCallSend, body{
		Encoding: encoding,
		CallerZone: uint64(callerZone), DestinationZone: uint64(destinationZone), Object: uint64(object),
		InterfaceID: uint64(interfaceID), MethodID: uint64(methodID), InBytes: inBytes, InBackChannel: inBackChannel,
	})
	if err != nil {
		return nil, nil, err
	}
	return resp.OutBytes, resp.OutBackChannel, bodyToErr(resp)
}

func (c *Conn) Post(ctx context.Context, protocolVersion uint64, encoding uint64,
	callerZone rpc.CallerZone, destinationZone rpc.DestinationZone, object rpc.Object,
	interfaceID rpc.InterfaceOrdinal, methodID rpc.Method, inBytes []byte,
	inBackChannel []rpc.BackChannelEntry) error {
	return c.oneWay(rpc.FingerprintPostSend, protocolVersion, body{
		Encoding: encoding,
		CallerZone: uint64(callerZone), DestinationZone: uint64(destinationZone), Object: uint64(object),
		InterfaceID: uint64(interfaceID), MethodID: uint64(methodID), InBytes: inBytes, InBackChannel: inBackChannel,
	})
}

func (c *Conn) TryCast(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, interfaceID rpc.InterfaceOrdinal) error {
	resp, err := c.roundTrip(ctx, protocolVersion, rpc.FingerprintTryCastSend, body{
		DestinationZone: uint64(destinationZone), Object: uint64(object), InterfaceID: uint64(interfaceID),
	})
	if err != nil {
		return err
	}
	return bodyToErr(resp)
}

func (c *Conn) AddRef(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	knownDirection rpc.KnownDirectionZone, options rpc.AddRefOptions,
	inBackChannel []rpc.BackChannelEntry) ([]rpc.BackChannelEntry, error) {
	resp, err := c.roundTrip(ctx, protocolVersion, rpc.FingerprintAddRefSend, body{
		DestinationZone: uint64(destinationZone), Object: uint64(object), CallerZone: uint64(callerZone),
		KnownDirection: uint64(knownDirection), AddRefOptions: uint32(options), InBackChannel: inBackChannel,
	})
	if err != nil {
		return nil, err
	}
	return resp.OutBackChannel, bodyToErr(resp)
}

func (c *Conn) Release(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	options rpc.ReleaseOptions, inBackChannel []rpc.BackChannelEntry) (uint64, error) {
	resp, err := c.roundTrip(ctx, protocolVersion, rpc.FingerprintReleaseSend, body{
		DestinationZone: uint64(destinationZone), Object: uint64(object), CallerZone: uint64(callerZone),
		ReleaseOptions: uint32(options), InBackChannel: inBackChannel,
	})
	if err != nil {
		return 0, err
	}
	return resp.SharedRemainder, bodyToErr(resp)
}

func (c *Conn) ObjectReleased(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, object rpc.Object, callerZone rpc.CallerZone,
	inBackChannel []rpc.BackChannelEntry) error {
	return c.oneWay(rpc.FingerprintObjectReleasedSend, protocolVersion, body{
		DestinationZone: uint64(destinationZone), Object: uint64(object), CallerZone: uint64(callerZone),
		InBackChannel: inBackChannel,
	})
}

func (c *Conn) TransportDown(ctx context.Context, protocolVersion uint64,
	destinationZone rpc.DestinationZone, callerZone rpc.CallerZone,
	inBackChannel []rpc.BackChannelEntry) error {
	return c.oneWay(rpc.FingerprintTransportDownSend, protocolVersion, body{
		DestinationZone: uint64(destinationZone), CallerZone: uint64(callerZone), InBackChannel: inBackChannel,
	})
}

// RequestClose performs the close handshake (§4.4.6 step 1): send a
// close frame and wait briefly for the peer's ack, then close the socket
// either way.
func (c *Conn) RequestClose(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.roundTrip(closeCtx, rpc.HighestSupportedVersion, rpc.FingerprintCloseConnectionSend, body{})
	closeErr := c.ws.Close()
	if err != nil {
		return err
	}
	return closeErr
}

var _ zone.WireSender = (*Conn)(nil)

// Dial connects to addr as a client, reconnecting with jpillora/backoff
// until maxRetries is exhausted (0 means retry forever), returning the first
// successfully established Conn.
func Dial(ctx context.Context, log *slog.Logger, addr string, maxRetries int) (*Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse dial address: %w", err)
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		u.Scheme = "ws" + u.Scheme[4:]
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{subprotocol},
	}

	b := &backoff.Backoff{Max: time.Minute}
	attempt := 0
	for {
		wsConn, _, err := dialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			return NewConn(log, wsConn), nil
		}
		attempt++
		if maxRetries > 0 && attempt >= maxRetries {
			return nil, fmt.Errorf("dial %s: %w (after %d attempts)", addr, err, attempt)
		}
		d := b.Duration()
		log.Debug("dial failed, retrying", "error", err, "attempt", attempt, "backoff", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Accept upgrades an incoming HTTP request to a websocket and returns the
// wrapped Conn.
func Accept(log *slog.Logger, w http.ResponseWriter, r *http.Request) (*Conn, error) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade to websocket: %w", err)
	}
	return NewConn(log, wsConn), nil
}
