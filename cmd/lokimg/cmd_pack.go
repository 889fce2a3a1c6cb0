package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/ulikunitz/xz"

	"github.com/dualbootsuite/lokimg/pkg/loki"
	"github.com/dualbootsuite/lokimg/pkg/segment"
)

var (
	packKernel        string
	packRamdisk       string
	packDT            string
	packAboot         string
	packOutput        string
	packBoard         string
	packCmdline       string
	packPageSize      uint32
	packBase          string
	packKernelOffset  string
	packRamdiskOffset string
	packSecondOffset  string
	packTagsOffset    string
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Assemble a Loki boot image from its parts",
	Long: `Assembles a boot image from a kernel, ramdisk and optional device tree,
then applies the Loki patch using the given aboot partition image. Inputs
with an .xz suffix are decompressed transparently.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var errs error
		for _, req := range []struct {
			flagName string
			path     string
		}{
			{"--kernel", packKernel},
			{"--ramdisk", packRamdisk},
			{"--aboot", packAboot},
		} {
			if req.path == "" {
				errs = multierror.Append(errs, fmt.Errorf("%s is required", req.flagName))
			}
		}
		if errs != nil {
			return errs
		}

		kernel, err := readInput(packKernel)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		ramdisk, err := readInput(packRamdisk)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		var dt []byte
		if packDT != "" {
			dt, err = readInput(packDT)
			if err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		aboot, err := os.ReadFile(packAboot)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		if errs != nil {
			return errs
		}

		base, err := parseNumber(packBase)
		if err != nil {
			return fmt.Errorf("invalid --base: %w", err)
		}
		var kernelOff, ramdiskOff, secondOff, tagsOff uint32
		for _, off := range []struct {
			flagName string
			raw      string
			dst      *uint32
		}{
			{"--kernel-offset", packKernelOffset, &kernelOff},
			{"--ramdisk-offset", packRamdiskOffset, &ramdiskOff},
			{"--second-offset", packSecondOffset, &secondOff},
			{"--tags-offset", packTagsOffset, &tagsOff},
		} {
			v, err := parseNumber(off.raw)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", off.flagName, err)
			}
			*off.dst = v
		}

		f, err := os.OpenFile(packOutput, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("could not create output: %w", err)
		}
		defer f.Close()

		w := loki.NewWriter()
		if err := w.Open(); err != nil {
			return err
		}

		hdr := w.GetHeader()
		hdr.SetPageSize(packPageSize)
		hdr.SetKernelAddress(base + kernelOff)
		hdr.SetRamdiskAddress(base + ramdiskOff)
		hdr.SetSecondbootAddress(base + secondOff)
		hdr.SetKernelTagsAddress(base + tagsOff)
		if packBoard != "" {
			hdr.SetBoardName(packBoard)
		}
		if packCmdline != "" {
			hdr.SetKernelCmdline(packCmdline)
		}
		if err := w.WriteHeader(f, hdr); err != nil {
			return fmt.Errorf("could not write header: %w", err)
		}

		for _, part := range []struct {
			typ  segment.EntryType
			data []byte
		}{
			{segment.Kernel, kernel},
			{segment.Ramdisk, ramdisk},
			{segment.DeviceTree, dt},
			{segment.Aboot, aboot},
		} {
			glog.Infof("Writing %s (%d bytes)...", part.typ, len(part.data))
			if err := writeSegment(w, f, part.typ, part.data); err != nil {
				return fmt.Errorf("could not write %s: %w", part.typ, err)
			}
		}

		if err := w.Close(f); err != nil {
			return fmt.Errorf("could not finalize image: %w", err)
		}
		glog.Infof("Wrote %s", packOutput)
		return nil
	},
}

// writeSegment drives one entry through the writer's per-entry protocol.
func writeSegment(w *loki.Writer, f segment.File, want segment.EntryType, data []byte) error {
	entry, err := w.GetEntry(f)
	if err != nil {
		return err
	}
	if entry.Type != want {
		return fmt.Errorf("expected %s entry, got %s", want, entry.Type)
	}
	if err := w.WriteEntry(f, entry); err != nil {
		return err
	}
	for len(data) > 0 {
		n, err := w.WriteData(f, data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return w.FinishEntry(f)
}

// readInput reads a payload file, decompressing it when it carries an .xz
// suffix.
func readInput(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read input: %w", err)
	}
	if strings.HasSuffix(path, ".xz") {
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("could not open xz stream %s: %w", path, err)
		}
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("could not decompress %s: %w", path, err)
		}
		glog.V(1).Infof("Decompressed %s: %d bytes", path, len(data))
	}
	return data, nil
}

func parseNumber(s string) (uint32, error) {
	res, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint32(res), nil
}
