package loki

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/glog"

	"github.com/dualbootsuite/lokimg/pkg/bootimg"
	"github.com/dualbootsuite/lokimg/pkg/segment"
)

// PatchFunc rewrites a finalized plain boot image in place into its Loki
// form, using the device's aboot partition image as the patch carrier. It
// may resize and rewrite arbitrary regions of the file. On failure the
// caller does not attempt recovery.
type PatchFunc func(f segment.File, aboot []byte) error

// Loki sidecar header, stored inside the otherwise unused tail of the boot
// image header page. Mirrors the loki_hdr layout used by loki_patch and by
// every Loki-aware unpacker since.
const (
	lokiMagic        = "LOKI"
	lokiHeaderOffset = 0x400
	lokiBuildSize    = 128
)

type lokiHeader struct {
	Magic           [4]byte
	Recovery        uint32
	Build           [lokiBuildSize]byte
	OrigKernelSize  uint32
	OrigRamdiskSize uint32
	RamdiskAddr     uint32
}

// Patch is the default Loki transform. It records the plain image's
// original geometry in a Loki sidecar header at offset 0x400 of the header
// page and embeds the aboot carrier page-aligned at the image tail, leaving
// the kernel, ramdisk and device tree recoverable by Loki-aware tooling.
//
// Device-specific exploit payload generation (shellcode insertion into the
// carrier) is deliberately not performed here; writers needing it inject
// their own PatchFunc via NewWriterWithPatch.
func Patch(f segment.File, aboot []byte) error {
	if len(aboot) == 0 {
		return fmt.Errorf("empty aboot image")
	}
	if len(aboot) > MaxAbootSize {
		return ErrAbootImageTooLarge
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("could not seek to header: %w", err)
	}
	var hdr bootimg.RawHeader
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("could not read back header: %w", err)
	}
	if hdr.Magic != bootimg.MagicBytes {
		return fmt.Errorf("target is not a boot image")
	}
	if !bootimg.ValidPageSize(hdr.PageSize) {
		return fmt.Errorf("target header has invalid page size %d", hdr.PageSize)
	}

	lh := lokiHeader{
		OrigKernelSize:  hdr.KernelSize,
		OrigRamdiskSize: hdr.RamdiskSize,
		RamdiskAddr:     hdr.RamdiskAddr,
	}
	copy(lh.Magic[:], lokiMagic)
	copy(lh.Build[:], "lokimg")

	// Serialize everything before touching the file, so validation failures
	// never leave a half-written sidecar.
	sidecar := bytes.NewBuffer(nil)
	if err := binary.Write(sidecar, binary.LittleEndian, &lh); err != nil {
		return fmt.Errorf("could not serialize loki header: %w", err)
	}
	if lokiHeaderOffset+sidecar.Len() > int(hdr.PageSize) {
		return fmt.Errorf("loki header does not fit in a %d byte page", hdr.PageSize)
	}

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("could not seek to image end: %w", err)
	}
	carrierOffset := alignUp(end, int64(hdr.PageSize))

	// A finalized image is always page aligned already; the rounding only
	// matters for files produced by other tools.
	if _, err := f.Seek(carrierOffset, io.SeekStart); err != nil {
		return fmt.Errorf("could not seek to carrier offset: %w", err)
	}
	if _, err := f.Write(aboot); err != nil {
		return fmt.Errorf("could not write carrier: %w", err)
	}

	if _, err := f.Seek(lokiHeaderOffset, io.SeekStart); err != nil {
		return fmt.Errorf("could not seek to loki header: %w", err)
	}
	if _, err := f.Write(sidecar.Bytes()); err != nil {
		return fmt.Errorf("could not write loki header: %w", err)
	}

	glog.Infof("Loki patched image: carrier %d bytes at offset %d", len(aboot), carrierOffset)
	return nil
}

// alignUp rounds n up to the next multiple of align.
func alignUp(n, align int64) int64 {
	if rem := n % align; rem != 0 {
		return n + align - rem
	}
	return n
}
