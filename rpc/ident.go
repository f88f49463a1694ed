// Package rpc defines the identifier algebra, option flags, error taxonomy
// and wire envelope shared by every zone in a zonerpc deployment. It has no
// knowledge of transports, stubs or services -- those live in rpc/zone.
package rpc

import "fmt"

// Zone is a process-unique, never-reused identifier for a zone. A zone can
// be viewed in three roles depending on where it appears in a call:
// as its own identity (Zone), as a call target (DestinationZone), or as a
// call origin (CallerZone).
type Zone uint64

// DestinationZone names the zone a call, add_ref or release is directed at.
type DestinationZone uint64

// CallerZone names the zone on whose behalf a call, add_ref or release is
// being made.
type CallerZone uint64

// KnownDirectionZone is a routing hint carried on add_ref, naming the
// neighbour a reference should be propagated toward when no direct route is
// registered yet.
type KnownDirectionZone uint64

// AsDestination views a Zone in its DestinationZone role.
func (z Zone) AsDestination() DestinationZone { return DestinationZone(z) }

// AsCaller views a Zone in its CallerZone role.
func (z Zone) AsCaller() CallerZone { return CallerZone(z) }

// AsKnownDirection views a Zone as a routing hint.
func (z Zone) AsKnownDirection() KnownDirectionZone { return KnownDirectionZone(z) }

// AsZone views a DestinationZone back as a plain Zone.
func (d DestinationZone) AsZone() Zone { return Zone(d) }

// AsCaller re-interprets a DestinationZone as a CallerZone; used when a
// route to a zone must be looked up regardless of the role it was named in.
func (d DestinationZone) AsCaller() CallerZone { return CallerZone(d) }

// AsDestination re-interprets a CallerZone as a DestinationZone.
func (c CallerZone) AsDestination() DestinationZone { return DestinationZone(c) }

// AsZone views a CallerZone back as a plain Zone.
func (c CallerZone) AsZone() Zone { return Zone(c) }

// AsDestination views a KnownDirectionZone as a DestinationZone, the
// fallback route used when a direct one is not registered.
func (k KnownDirectionZone) AsDestination() DestinationZone { return DestinationZone(k) }

func (z Zone) String() string               { return fmt.Sprintf("zone(%d)", uint64(z)) }
func (d DestinationZone) String() string    { return fmt.Sprintf("dest(%d)", uint64(d)) }
func (c CallerZone) String() string         { return fmt.Sprintf("caller(%d)", uint64(c)) }
func (k KnownDirectionZone) String() string { return fmt.Sprintf("known(%d)", uint64(k)) }

// Object identifies an object within its owning zone. Object 0 is reserved
// as the dummy object used by the handshake (see DummyObject).
type Object uint64

// DummyObject is the reserved id used for handshake descriptors. add_ref and
// release against it always succeed without touching any stub table.
const DummyObject Object = 0

func (o Object) String() string { return fmt.Sprintf("object(%d)", uint64(o)) }

// InterfaceOrdinal identifies an IDL-generated interface within a stub's
// dispatch table.
type InterfaceOrdinal uint64

// Method identifies a method ordinal within an interface.
type Method uint64

// InterfaceDescriptor is the wire representation of an object reference: the
// object id together with the zone that owns it.
type InterfaceDescriptor struct {
	Object      Object
	Destination DestinationZone
}

func (d InterfaceDescriptor) String() string {
	return fmt.Sprintf("%s@%s", d.Object, d.Destination)
}

// IsSet reports whether this descriptor refers to a real object rather than
// the zero value (no object carried).
func (d InterfaceDescriptor) IsSet() bool { return d.Object != 0 || d.Destination != 0 }

// Protocol version bounds. Frames outside this range are rejected with the
// InvalidVersion error code.
const (
	LowestSupportedVersion  uint64 = 1
	HighestSupportedVersion uint64 = 1
)
