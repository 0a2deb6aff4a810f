package types

import "fmt"

// FileType is a 12-bit desktop file type, or one of the pseudo types for
// directories, applications and untyped files.
type FileType int32

// File types used by the transfer engines.
const (
	FileTypeText        FileType = 0xfff
	FileTypeData        FileType = 0xffd
	FileTypeObey        FileType = 0xfeb
	FileTypeSprite      FileType = 0xff9
	FileTypeDrawFile    FileType = 0xaff
	FileTypeCSV         FileType = 0xdfe
	FileTypeDirectory   FileType = 0x1000
	FileTypeApplication FileType = 0x2000
	FileTypeUntyped     FileType = 0x3000

	// FileTypeNone terminates file type lists on the wire.
	FileTypeNone FileType = -1
)

// IsContainer reports whether t names a directory or application, which
// can only be transferred by file.
func (t FileType) IsContainer() bool {
	return t == FileTypeDirectory || t == FileTypeApplication
}

func (t FileType) String() string {
	switch t {
	case FileTypeDirectory:
		return "directory"
	case FileTypeApplication:
		return "application"
	case FileTypeUntyped:
		return "untyped"
	case FileTypeNone:
		return "none"
	}
	return fmt.Sprintf("%03x", int32(t))
}

// FileTypes is an ordered list of file types, most preferred first.
type FileTypes []FileType

// Clone returns a copy of the list truncated at the first FileTypeNone.
// Caller-supplied lists are always copied before being retained.
func (l FileTypes) Clone() FileTypes {
	n := len(l)
	for i, t := range l {
		if t == FileTypeNone {
			n = i
			break
		}
	}
	if n == 0 {
		return nil
	}
	out := make(FileTypes, n)
	copy(out, l[:n])
	return out
}

// Contains reports whether t is in the list.
func (l FileTypes) Contains(t FileType) bool {
	for _, x := range l {
		if x == FileTypeNone {
			return false
		}
		if x == t {
			return true
		}
	}
	return false
}

// Negotiate picks the file type to transfer: the first of the receiver's
// wanted types that the sender can supply, else the sender's native
// (first) type. It returns FileTypeNone if the sender offers nothing.
func Negotiate(offered, wanted FileTypes) FileType {
	for _, w := range wanted {
		if w == FileTypeNone {
			break
		}
		if offered.Contains(w) {
			return w
		}
	}
	if len(offered) == 0 || offered[0] == FileTypeNone {
		return FileTypeNone
	}
	return offered[0]
}

// UnsafeEstimate is the estimated size a receiver puts in DataSaveAck to
// say that the named destination is temporary (a scrap file).
const UnsafeEstimate = -1

// DataTransfer is the body of DataSave, DataSaveAck, DataLoad, DataLoadAck
// and DataOpen.
type DataTransfer struct {
	Window WindowHandle `json:"window" msgpack:"window"`
	Icon   IconHandle   `json:"icon" msgpack:"icon"`
	X      int32        `json:"x" msgpack:"x"`
	Y      int32        `json:"y" msgpack:"y"`
	// EstSize is the estimated data size; UnsafeEstimate in a DataSaveAck
	// marks the destination as temporary.
	EstSize  int32    `json:"est_size" msgpack:"est_size"`
	FileType FileType `json:"file_type" msgpack:"file_type"`
	// Name is a leaf name in DataSave and a full path in the other
	// messages.
	Name string `json:"name" msgpack:"name"`
}

// Safe reports whether a DataSaveAck names a persistent destination.
func (t *DataTransfer) Safe() bool {
	return t.EstSize != UnsafeEstimate
}

// BufferID names a receive buffer owned by the task that sent a RAMFetch.
type BufferID int32

// RAMBlock is the body of RAMFetch and RAMTransmit. In a RAMFetch, Size is
// the free space in the receiver's buffer. In a RAMTransmit, Size is the
// number of bytes the sender claims to have transferred and Data carries
// them.
type RAMBlock struct {
	Buffer BufferID `json:"buffer" msgpack:"buffer"`
	Size   int32    `json:"size" msgpack:"size"`
	Data   []byte   `json:"data,omitempty" msgpack:"data,omitempty"`
}
