// Package loki writes Loki-patched Android boot images.
//
// Loki is a technique that disguises a modified boot image as a signed one
// to get past bootloader verification on certain locked devices. A Writer
// first assembles a plain boot image segment by segment, then rewrites it in
// place at close time using the device's aboot partition image as the patch
// carrier.
//
// The caller protocol per image is fixed: Open, WriteHeader, then for each
// of kernel, ramdisk, device tree and aboot in that order a
// GetEntry/WriteEntry, any number of WriteData calls, FinishEntry, and
// finally Close. Aboot content is never streamed into the file; it is
// buffered whole and handed to the patch transform.
package loki

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/golang/glog"

	"github.com/dualbootsuite/lokimg/pkg/bootimg"
	"github.com/dualbootsuite/lokimg/pkg/segment"
)

// MaxAbootSize caps the in-memory aboot carrier at 2 MiB, the size of the
// aboot partition on every device Loki was ever used on.
const MaxAbootSize = 2 * 1024 * 1024

// SupportedFields enumerates the header fields this format persists.
const SupportedFields = bootimg.FieldKernelAddress |
	bootimg.FieldRamdiskAddress |
	bootimg.FieldSecondbootAddress |
	bootimg.FieldKernelTagsAddress |
	bootimg.FieldPageSize |
	bootimg.FieldBoardName |
	bootimg.FieldKernelCmdline |
	bootimg.FieldID

// Writer assembles one boot image at a time. It is not safe for concurrent
// use; every method assumes the file position left by the previous call.
// Close resets the Writer completely, so one instance can be reused for
// subsequent images via a fresh Open.
type Writer struct {
	hdr   bootimg.RawHeader
	sha   hash.Hash
	seg   *segment.Writer
	aboot []byte
	patch PatchFunc
}

// NewWriter returns a Writer that finalizes images with the default Patch
// transform.
func NewWriter() *Writer {
	return &Writer{patch: Patch}
}

// NewWriterWithPatch returns a Writer that finalizes images with a custom
// patch transform, for devices needing their own exploit payload.
func NewWriterWithPatch(patch PatchFunc) *Writer {
	return &Writer{patch: patch}
}

// Open prepares the Writer for a new image: a fresh SHA1 digest and an
// entry-less segment tracker. The destination file is not touched.
func (w *Writer) Open() error {
	w.sha = sha1.New()
	w.seg = segment.New()
	return nil
}

// GetHeader returns a header descriptor advertising the fields this format
// supports. No other fields are set.
func (w *Writer) GetHeader() bootimg.Header {
	return bootimg.Header{SupportedFields: SupportedFields}
}

// WriteHeader validates and captures the caller's header fields, installs
// the fixed four-entry segment plan, and seeks the file past the header
// page so segment data starts immediately after it. The header itself is
// only written at Close, once all sizes and the image id are known.
func (w *Writer) WriteHeader(f segment.File, header bootimg.Header) error {
	if w.seg == nil {
		return ErrNotOpened
	}

	w.hdr = bootimg.RawHeader{}
	w.hdr.Magic = bootimg.MagicBytes

	if addr := header.KernelAddress; addr != nil {
		w.hdr.KernelAddr = *addr
	}
	if addr := header.RamdiskAddress; addr != nil {
		w.hdr.RamdiskAddr = *addr
	}
	if addr := header.SecondbootAddress; addr != nil {
		w.hdr.SecondAddr = *addr
	}
	if addr := header.KernelTagsAddress; addr != nil {
		w.hdr.TagsAddr = *addr
	}

	if header.PageSize == nil {
		return ErrMissingPageSize
	}
	if !bootimg.ValidPageSize(*header.PageSize) {
		return fmt.Errorf("%w: %d", ErrInvalidPageSize, *header.PageSize)
	}
	w.hdr.PageSize = *header.PageSize

	if name := header.BoardName; name != nil {
		if len(*name) >= bootimg.NameSize {
			return fmt.Errorf("%w: %q", ErrBoardNameTooLong, *name)
		}
		copy(w.hdr.Name[:], *name)
	}
	if cmdline := header.KernelCmdline; cmdline != nil {
		if len(*cmdline) >= bootimg.ArgsSize {
			return ErrKernelCmdlineTooLong
		}
		copy(w.hdr.Cmdline[:], *cmdline)
	}

	// Aboot is patch input only: fixed zero size, never streamed, no
	// alignment.
	abootSize := uint32(0)
	entries := []segment.Entry{
		{Type: segment.Kernel, Align: w.hdr.PageSize},
		{Type: segment.Ramdisk, Align: w.hdr.PageSize},
		{Type: segment.DeviceTree, Align: w.hdr.PageSize},
		{Type: segment.Aboot, Size: &abootSize},
	}
	if err := w.seg.SetEntries(entries); err != nil {
		return err
	}

	if _, err := f.Seek(int64(w.hdr.PageSize), io.SeekStart); err != nil {
		return fmt.Errorf("could not seek past header page: %w", err)
	}
	return nil
}

// GetEntry returns the next entry expected by the fixed segment order.
func (w *Writer) GetEntry(f segment.File) (*segment.Entry, error) {
	if w.seg == nil {
		return nil, ErrNotOpened
	}
	return w.seg.GetEntry(f)
}

// WriteEntry begins writing entry, which must be the next one in the fixed
// kernel, ramdisk, device tree, aboot order.
func (w *Writer) WriteEntry(f segment.File, entry *segment.Entry) error {
	if w.seg == nil {
		return ErrNotOpened
	}
	return w.seg.WriteEntry(f, entry)
}

// WriteData accepts payload bytes for the active entry. Aboot bytes are
// buffered in memory up to MaxAbootSize; everything else is streamed to the
// file and folded into the image id digest. Returns the number of bytes
// accepted.
func (w *Writer) WriteData(f segment.File, buf []byte) (int, error) {
	if w.seg == nil {
		return 0, ErrNotOpened
	}
	cur := w.seg.Entry()
	if cur == nil {
		return 0, segment.ErrNoEntryActive
	}

	if cur.Type == segment.Aboot {
		if len(buf) > MaxAbootSize-len(w.aboot) {
			return 0, fmt.Errorf("%w: %d bytes would exceed the %d byte cap",
				ErrAbootImageTooLarge, len(w.aboot)+len(buf), MaxAbootSize)
		}
		w.aboot = append(w.aboot, buf...)
		return len(buf), nil
	}

	n, err := w.seg.WriteData(f, buf)
	if err != nil {
		return n, err
	}
	// The payload always goes into the hash; its size sometimes does, and
	// is handled in FinishEntry.
	if _, err := w.sha.Write(buf[:n]); err != nil {
		return n, fmt.Errorf("%w: %v", ErrSha1Update, err)
	}
	return n, nil
}

// FinishEntry pads the active entry to its alignment boundary, records its
// final size in the header, and feeds the digest the size bytes the format
// demands: a zero word stands in for an absent device tree, kernel and
// ramdisk always hash their 4-byte little-endian size, a present device
// tree hashes its size, and aboot contributes nothing.
func (w *Writer) FinishEntry(f segment.File) error {
	if w.seg == nil {
		return ErrNotOpened
	}
	entry, err := w.seg.FinishEntry(f)
	if err != nil {
		return err
	}
	size := *entry.Size

	if entry.Type == segment.DeviceTree && size == 0 {
		if _, err := w.sha.Write([]byte{0, 0, 0, 0}); err != nil {
			return fmt.Errorf("%w: %v", ErrSha1Update, err)
		}
	}

	if entry.Type != segment.Aboot && !(entry.Type == segment.DeviceTree && size == 0) {
		var le [4]byte
		binary.LittleEndian.PutUint32(le[:], size)
		if _, err := w.sha.Write(le[:]); err != nil {
			return fmt.Errorf("%w: %v", ErrSha1Update, err)
		}
	}

	switch entry.Type {
	case segment.Kernel:
		w.hdr.KernelSize = size
	case segment.Ramdisk:
		w.hdr.RamdiskSize = size
	case segment.DeviceTree:
		w.hdr.DTSize = size
	}
	return nil
}

// Close finalizes the image if every entry was finished: the file is
// truncated to the written length, the digest becomes the image id, the
// header is written at offset 0 and the patch transform is invoked with the
// buffered aboot carrier. A session aborted before the last entry leaves
// the file untouched and still closes successfully.
//
// All writer state is cleared on every exit path, so a failed Close never
// leaks into the next Open. If the patch transform fails after the header
// rewrite, the file keeps the new header over an unpatched body; no
// rollback is attempted.
func (w *Writer) Close(f segment.File) error {
	defer func() {
		w.hdr = bootimg.RawHeader{}
		w.aboot = nil
		w.sha = nil
		w.seg = nil
	}()

	if w.seg == nil || !w.seg.Done() {
		return nil
	}

	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("could not query image size: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("could not truncate image to %d bytes: %w", size, err)
	}

	copy(w.hdr.ID[:], w.sha.Sum(nil))

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("could not seek to header: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, &w.hdr); err != nil {
		return fmt.Errorf("could not write header: %w", err)
	}

	glog.V(1).Infof("Finalized plain image: %d bytes, aboot carrier %d bytes", size, len(w.aboot))
	if err := w.patch(f, w.aboot); err != nil {
		return fmt.Errorf("could not loki patch image: %w", err)
	}
	return nil
}
