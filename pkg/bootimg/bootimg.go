// Package bootimg describes the classic Android boot image container: the
// fixed on-disk header and the caller-facing header descriptor used when
// assembling an image.
//
// Only the legacy (pre-v1) header layout is modeled, with the Samsung-style
// dt_size field in place of header_version. That is the only layout the Loki
// technique was ever applied to.
//
// Reference: https://source.android.com/devices/bootloader/boot-image-header
package bootimg

// Boot image format constants.
const (
	Magic     = "ANDROID!"
	MagicSize = 8
	NameSize  = 16
	ArgsSize  = 512
	IDSize    = 32
)

// MagicBytes is the header magic in byte array form.
var MagicBytes = [MagicSize]byte{'A', 'N', 'D', 'R', 'O', 'I', 'D', '!'}

// PageSizes lists every flash page size a boot image is allowed to declare.
var PageSizes = []uint32{2048, 4096, 8192, 16384, 32768, 65536, 131072}

// ValidPageSize reports whether ps is an allowed flash page size.
func ValidPageSize(ps uint32) bool {
	for _, v := range PageSizes {
		if ps == v {
			return true
		}
	}
	return false
}

// RawHeader directly correlates to the on-disk Android boot image header.
// All integers are little-endian on disk; the struct is serialized in one
// shot with binary.Write(..., binary.LittleEndian, ...) so byte order is
// converted exactly once, at write time.
type RawHeader struct {
	// Header magic, "ANDROID!"
	Magic [MagicSize]byte

	// Size of the kernel in bytes
	KernelSize uint32
	// Kernel physical load address
	KernelAddr uint32

	// Size of the ramdisk in bytes
	RamdiskSize uint32
	// Ramdisk physical load address
	RamdiskAddr uint32

	// Size of the second stage bootloader in bytes
	SecondSize uint32
	// Second stage bootloader physical load address
	SecondAddr uint32

	// Kernel tags physical load address
	TagsAddr uint32
	// Flash page size
	PageSize uint32
	// Size of the device tree in bytes
	DTSize uint32
	// Unused on non-Samsung devices
	Unused uint32

	// Product/board name, NUL terminated
	Name [NameSize]byte
	// Kernel command line, NUL terminated
	Cmdline [ArgsSize]byte

	// Image identifier. The first 20 bytes hold a SHA-1 digest over the
	// payload; the rest stays zero.
	ID [IDSize]byte
}

// Fields is a bitmask of header fields a format writer can persist.
type Fields uint32

const (
	FieldKernelAddress Fields = 1 << iota
	FieldRamdiskAddress
	FieldSecondbootAddress
	FieldKernelTagsAddress
	FieldPageSize
	FieldBoardName
	FieldKernelCmdline
	FieldID
)

// Has reports whether all bits of want are set.
func (f Fields) Has(want Fields) bool {
	return f&want == want
}

// Header is the caller-facing header descriptor. Field values are optional;
// a nil pointer means "not provided" and the writer substitutes its default
// (zero for addresses) or rejects the header (page size is mandatory).
//
// SupportedFields advertises, on descriptors returned by a writer's
// GetHeader, which fields that writer can persist.
type Header struct {
	SupportedFields Fields

	KernelAddress     *uint32
	RamdiskAddress    *uint32
	SecondbootAddress *uint32
	KernelTagsAddress *uint32
	PageSize          *uint32
	BoardName         *string
	KernelCmdline     *string
}

// SetPageSize sets the flash page size.
func (h *Header) SetPageSize(ps uint32) {
	h.PageSize = &ps
}

// SetBoardName sets the product/board name.
func (h *Header) SetBoardName(name string) {
	h.BoardName = &name
}

// SetKernelCmdline sets the kernel command line.
func (h *Header) SetKernelCmdline(cmdline string) {
	h.KernelCmdline = &cmdline
}

// SetKernelAddress sets the kernel physical load address.
func (h *Header) SetKernelAddress(addr uint32) {
	h.KernelAddress = &addr
}

// SetRamdiskAddress sets the ramdisk physical load address.
func (h *Header) SetRamdiskAddress(addr uint32) {
	h.RamdiskAddress = &addr
}

// SetSecondbootAddress sets the second stage bootloader load address.
func (h *Header) SetSecondbootAddress(addr uint32) {
	h.SecondbootAddress = &addr
}

// SetKernelTagsAddress sets the kernel tags load address.
func (h *Header) SetKernelTagsAddress(addr uint32) {
	h.KernelTagsAddress = &addr
}
