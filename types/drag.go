package types

// Box is a bounding box in desktop coordinates.
type Box struct {
	XMin int32 `json:"xmin" msgpack:"xmin"`
	YMin int32 `json:"ymin" msgpack:"ymin"`
	XMax int32 `json:"xmax" msgpack:"xmax"`
	YMax int32 `json:"ymax" msgpack:"ymax"`
}

// Empty reports whether the box encloses no area. A Dragging message with
// an empty box tells the claimant that no bounding box is known.
func (b Box) Empty() bool {
	return b.XMin >= b.XMax || b.YMin >= b.YMax
}

// DraggingFlags qualify a Dragging message.
type DraggingFlags uint32

// Dragging flags.
const (
	DraggingFromSelection DraggingFlags = 1 << 1
	DraggingFromClipboard DraggingFlags = 1 << 2
	DraggingSourceDeletes DraggingFlags = 1 << 3
	// DraggingDoNotClaim tells the current claimant to relinquish the drag.
	DraggingDoNotClaim DraggingFlags = 1 << 4
)

// Dragging is the body of Dragging, sent by the drag source while the
// pointer moves and once more when the drag ends.
type Dragging struct {
	Window    WindowHandle  `json:"window" msgpack:"window"`
	Icon      IconHandle    `json:"icon" msgpack:"icon"`
	X         int32         `json:"x" msgpack:"x"`
	Y         int32         `json:"y" msgpack:"y"`
	Flags     DraggingFlags `json:"flags" msgpack:"flags"`
	Box       *Box          `json:"box,omitempty" msgpack:"box,omitempty"`
	FileTypes FileTypes     `json:"file_types" msgpack:"file_types"`
}

// DragClaimFlags qualify a DragClaim message.
type DragClaimFlags uint32

// DragClaim flags.
const (
	DragClaimPointerChanged DragClaimFlags = 1 << 0
	DragClaimRemoveDragBox  DragClaimFlags = 1 << 1
	DragClaimDeleteSource   DragClaimFlags = 1 << 3
)

// DragClaim is the body of DragClaim, sent by a task that wants to receive
// the data being dragged.
type DragClaim struct {
	Flags     DragClaimFlags `json:"flags" msgpack:"flags"`
	FileTypes FileTypes      `json:"file_types" msgpack:"file_types"`
}
