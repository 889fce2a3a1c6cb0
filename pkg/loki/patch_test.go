package loki

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dualbootsuite/lokimg/pkg/bootimg"
	"github.com/dualbootsuite/lokimg/pkg/segment"
)

func TestPatchEmbedsCarrierAndSidecar(t *testing.T) {
	f := tempImage(t)
	w := NewWriter()
	require.NoError(t, w.Open())

	kernel := bytes.Repeat([]byte{0x11}, 100)
	ramdisk := bytes.Repeat([]byte{0x22}, 200)
	aboot := bytes.Repeat([]byte{0x33}, 5000)

	hdr := baseHeader(2048)
	hdr.SetRamdiskAddress(0x11000000)
	require.NoError(t, w.WriteHeader(f, hdr))
	writeSegment(t, w, f, segment.Kernel, kernel)
	writeSegment(t, w, f, segment.Ramdisk, ramdisk)
	writeSegment(t, w, f, segment.DeviceTree, nil)
	writeSegment(t, w, f, segment.Aboot, aboot)
	require.NoError(t, w.Close(f))

	// Plain image was 3 pages; the carrier lands page-aligned right after.
	fi, err := os.Stat(f.Name())
	require.NoError(t, err)
	assert.Equal(t, int64(3*2048+5000), fi.Size())

	_, err = f.Seek(lokiHeaderOffset, io.SeekStart)
	require.NoError(t, err)
	var lh lokiHeader
	require.NoError(t, binary.Read(f, binary.LittleEndian, &lh))
	assert.Equal(t, []byte(lokiMagic), lh.Magic[:])
	assert.Equal(t, uint32(0), lh.Recovery)
	assert.Equal(t, uint32(100), lh.OrigKernelSize)
	assert.Equal(t, uint32(200), lh.OrigRamdiskSize)
	assert.Equal(t, uint32(0x11000000), lh.RamdiskAddr)

	carrier := make([]byte, 5000)
	_, err = f.ReadAt(carrier, 3*2048)
	require.NoError(t, err)
	assert.Equal(t, aboot, carrier)

	// The boot image header is still intact underneath.
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	var raw bootimg.RawHeader
	require.NoError(t, binary.Read(f, binary.LittleEndian, &raw))
	assert.Equal(t, bootimg.MagicBytes, raw.Magic)
	assert.Equal(t, uint32(100), raw.KernelSize)
}

func TestPatchRejectsEmptyCarrier(t *testing.T) {
	f := tempImage(t)
	err := Patch(f, nil)
	assert.Error(t, err)
}

func TestPatchRejectsOversizedCarrier(t *testing.T) {
	f := tempImage(t)
	err := Patch(f, make([]byte, MaxAbootSize+1))
	assert.ErrorIs(t, err, ErrAbootImageTooLarge)
}

func TestPatchRejectsNonBootImage(t *testing.T) {
	f := tempImage(t)
	_, err := f.Write(make([]byte, 2048))
	require.NoError(t, err)
	err = Patch(f, []byte("aboot"))
	assert.Error(t, err)
}
