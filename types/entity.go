package types

import "math/bits"

// EntityFlags is a bitmask of entities, one bit per ownership slot.
type EntityFlags uint32

// Entity bits defined by the clipboard protocol. Bits 3-7 are free for
// application-private entities.
const (
	EntityCaret     EntityFlags = 1 << 0
	EntitySelection EntityFlags = 1 << 1
	EntityClipboard EntityFlags = 1 << 2

	// EntityCaretOrSelection is the pair claimed together when the input
	// focus moves.
	EntityCaretOrSelection = EntityCaret | EntitySelection
)

// NumEntities is the number of ownership slots.
const NumEntities = 8

// AllEntities covers every ownership slot.
const AllEntities EntityFlags = 1<<NumEntities - 1

// Has reports whether all bits of o are set in f.
func (f EntityFlags) Has(o EntityFlags) bool {
	return f&o == o
}

// Bits returns the slot indices set in f, lowest first.
func (f EntityFlags) Bits() []int {
	f &= AllEntities
	out := make([]int, 0, bits.OnesCount32(uint32(f)))
	for f != 0 {
		i := bits.TrailingZeros32(uint32(f))
		out = append(out, i)
		f &^= 1 << i
	}
	return out
}

// EntityClaim is the body of ClaimEntity and ReleaseEntity.
type EntityClaim struct {
	Flags EntityFlags `json:"flags" msgpack:"flags"`
}

// DataRequest is the body of DataRequest: a request to whoever owns the
// flagged entities to send their data to the given window.
type DataRequest struct {
	Window    WindowHandle `json:"window" msgpack:"window"`
	Icon      IconHandle   `json:"icon" msgpack:"icon"`
	X         int32        `json:"x" msgpack:"x"`
	Y         int32        `json:"y" msgpack:"y"`
	Flags     EntityFlags  `json:"flags" msgpack:"flags"`
	FileTypes FileTypes    `json:"file_types" msgpack:"file_types"`
}
