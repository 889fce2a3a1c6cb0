// Package segment implements ordered, page-aligned streaming of boot image
// payload segments into a destination file.
//
// A Writer is primed with the fixed list of entries an image format expects
// and then enforces that callers begin, fill, and finish each entry strictly
// in that order. Finishing an entry pads the stream out to the entry's
// alignment boundary and freezes its final size.
package segment

import (
	"errors"
	"fmt"
	"io"
	"math"
)

// File is the destination a boot image is streamed into. Satisfied by an
// *os.File opened read-write. The segment Writer itself only writes and
// seeks; reading is needed by finalization steps that rewrite the image in
// place.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	Truncate(size int64) error
}

// EntryType identifies one typed payload segment of a boot image.
type EntryType int

const (
	Kernel EntryType = iota
	Ramdisk
	DeviceTree
	Aboot
)

func (t EntryType) String() string {
	switch t {
	case Kernel:
		return "kernel"
	case Ramdisk:
		return "ramdisk"
	case DeviceTree:
		return "devicetree"
	case Aboot:
		return "aboot"
	default:
		return fmt.Sprintf("EntryType(%d)", int(t))
	}
}

// Entry is one expected payload segment. Size is nil until the entry has
// been finished, unless the format fixes it up front. Once FinishEntry
// returns, the entry is immutable.
type Entry struct {
	// Segment type.
	Type EntryType
	// Byte offset of the segment from the start of the image. Filled in
	// when the entry begins; meaningless for entries that are never
	// streamed.
	Offset uint64
	// Final size in bytes. nil until known.
	Size *uint32
	// Alignment boundary applied after the segment, 0 for none.
	Align uint32
}

var (
	ErrNoEntries     = errors.New("no entries set")
	ErrEndOfEntries  = errors.New("no entries left")
	ErrEntryMismatch = errors.New("entry does not match expected next entry")
	ErrEntryActive   = errors.New("entry already in progress")
	ErrNoEntryActive = errors.New("no entry in progress")
	ErrEntryTooLarge = errors.New("entry data exceeds fixed size")
)

// Writer tracks the ordered entry list and streams raw bytes for the active
// entry. The zero value is usable and has no entries.
type Writer struct {
	entries []*Entry
	cursor  int
	active  bool
	written uint64
}

// New returns an entry-less Writer.
func New() *Writer {
	return &Writer{}
}

// SetEntries installs the ordered list of expected entries and rewinds the
// cursor. Entries are copied; callers keep no aliases into the Writer.
func (w *Writer) SetEntries(entries []Entry) error {
	if len(entries) == 0 {
		return ErrNoEntries
	}
	w.entries = make([]*Entry, len(entries))
	for i := range entries {
		e := entries[i]
		w.entries[i] = &e
	}
	w.cursor = 0
	w.active = false
	w.written = 0
	return nil
}

// Entries returns the full ordered entry list.
func (w *Writer) Entries() []*Entry {
	return w.entries
}

// Entry returns the entry currently being written, or nil when none is
// active.
func (w *Writer) Entry() *Entry {
	if !w.active {
		return nil
	}
	return w.entries[w.cursor]
}

// Done reports whether every entry has been finished.
func (w *Writer) Done() bool {
	return len(w.entries) > 0 && w.cursor >= len(w.entries)
}

// GetEntry returns the next entry expected to be written. It does not begin
// the entry; that happens in WriteEntry. Returns ErrEndOfEntries once every
// entry has been finished.
func (w *Writer) GetEntry(f File) (*Entry, error) {
	if len(w.entries) == 0 {
		return nil, ErrNoEntries
	}
	if w.active {
		return nil, fmt.Errorf("%w: %s", ErrEntryActive, w.entries[w.cursor].Type)
	}
	if w.cursor >= len(w.entries) {
		return nil, ErrEndOfEntries
	}
	return w.entries[w.cursor], nil
}

// WriteEntry begins writing entry, which must match the expected next entry
// in the fixed order. The entry's offset is captured from the file's current
// position.
func (w *Writer) WriteEntry(f File, entry *Entry) error {
	if len(w.entries) == 0 {
		return ErrNoEntries
	}
	if w.active {
		return fmt.Errorf("%w: %s", ErrEntryActive, w.entries[w.cursor].Type)
	}
	if w.cursor >= len(w.entries) {
		return ErrEndOfEntries
	}
	cur := w.entries[w.cursor]
	if entry == nil || entry.Type != cur.Type {
		return fmt.Errorf("%w: expected %s", ErrEntryMismatch, cur.Type)
	}

	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("could not query file position: %w", err)
	}
	cur.Offset = uint64(pos)

	w.active = true
	w.written = 0
	return nil
}

// WriteData streams bytes for the active entry, applying no transformation.
// Returns the number of bytes accepted.
func (w *Writer) WriteData(f File, buf []byte) (int, error) {
	if !w.active {
		return 0, ErrNoEntryActive
	}
	cur := w.entries[w.cursor]
	if cur.Size != nil && w.written+uint64(len(buf)) > uint64(*cur.Size) {
		return 0, fmt.Errorf("%w: %s is fixed at %d bytes", ErrEntryTooLarge, cur.Type, *cur.Size)
	}

	n, err := f.Write(buf)
	w.written += uint64(n)
	if err != nil {
		return n, fmt.Errorf("could not write %s data: %w", cur.Type, err)
	}
	return n, nil
}

// FinishEntry pads the stream to the active entry's alignment boundary,
// freezes its final size, and advances to the next entry. The frozen entry
// is returned.
func (w *Writer) FinishEntry(f File) (*Entry, error) {
	if !w.active {
		return nil, ErrNoEntryActive
	}
	cur := w.entries[w.cursor]

	if pad := padding(w.written, cur.Align); pad > 0 {
		if _, err := f.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("could not pad %s to %d bytes: %w", cur.Type, cur.Align, err)
		}
	}

	if cur.Size == nil {
		if w.written > math.MaxUint32 {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrEntryTooLarge, cur.Type, w.written)
		}
		size := uint32(w.written)
		cur.Size = &size
	}

	w.active = false
	w.written = 0
	w.cursor++
	return cur, nil
}

// padding returns how many bytes are needed to bring size up to the next
// multiple of align.
func padding(size uint64, align uint32) uint64 {
	if align == 0 {
		return 0
	}
	rem := size % uint64(align)
	if rem == 0 {
		return 0
	}
	return uint64(align) - rem
}
