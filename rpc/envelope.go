package rpc

// Direction tags a wire frame as belonging to a request, a reply, or a
// fire-and-forget notification that expects no reply.
type Direction int

const (
	// DirectionSend marks an outbound request awaiting a reply.
	DirectionSend Direction = iota
	// DirectionReceive marks a reply to a previously sent request.
	DirectionReceive
	// DirectionOneWay marks a notification with no reply (post,
	// object_released, transport_down).
	DirectionOneWay
)

// PayloadFingerprint identifies the message type carried in a frame's
// payload. Concrete transports use it to pick a decoder; the core package
// never interprets payload bytes itself.
type PayloadFingerprint int

const (
	FingerprintInitClientChannelSend PayloadFingerprint = iota
	FingerprintInitClientChannelResponse
	FingerprintCallSend
	FingerprintCallReceive
	FingerprintPostSend
	FingerprintTryCastSend
	FingerprintTryCastReceive
	FingerprintAddRefSend
	FingerprintAddRefReceive
	FingerprintReleaseSend
	FingerprintReleaseReceive
	FingerprintObjectReleasedSend
	FingerprintTransportDownSend
	FingerprintCloseConnectionSend
	FingerprintCloseConnectionReceived
)

// FramePrefix is the fixed-size header present on every wire frame, ahead of
// the variable-size payload.
type FramePrefix struct {
	ProtocolVersion uint64
	Direction       Direction
	SequenceNumber  uint64
	PayloadSize     uint64
}

// BackChannelEntry is one auxiliary key/value pair piggybacked on a
// marshaller call, carrying routing side information alongside the primary
// payload (e.g. route-building hints that do not fit the typed parameters).
type BackChannelEntry struct {
	Key   string
	Value []byte
}

// Frame is the decoded counterpart of a wire envelope: the prefix, the
// message-type fingerprint, and the opaque payload bytes. Concrete
// transports are responsible for encoding/decoding Frame to and from bytes;
// the byte-level codec itself is each transport's own choice.
type Frame struct {
	Prefix      FramePrefix
	Fingerprint PayloadFingerprint
	Payload     []byte
}
