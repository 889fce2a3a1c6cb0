package main

import (
	"flag"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "lokimg",
	Short: "lokimg assembles Loki-patched Android boot images",
	Long: `Builds an Android boot image from a kernel, ramdisk and optional device
tree, then patches it in place with the Loki technique so that it passes the
bootloader check on supported locked devices. The device's aboot partition
image is required as the patch carrier.

Use on devices you own. A bad boot image can brick a device.`,
	SilenceUsage: true,
}

func main() {
	packCmd.Flags().StringVarP(&packKernel, "kernel", "k", "", "Path to the kernel image (.xz accepted)")
	packCmd.Flags().StringVarP(&packRamdisk, "ramdisk", "r", "", "Path to the ramdisk cpio archive (.xz accepted)")
	packCmd.Flags().StringVarP(&packDT, "dt", "d", "", "Path to the device tree blob, if any (.xz accepted)")
	packCmd.Flags().StringVarP(&packAboot, "aboot", "a", "", "Path to the device's aboot partition image")
	packCmd.Flags().StringVarP(&packOutput, "output", "o", "boot.lok.img", "Path of the image to write")
	packCmd.Flags().Uint32Var(&packPageSize, "pagesize", 2048, "Flash page size of the target device")
	packCmd.Flags().StringVar(&packBoard, "board", "", "Board name to store in the header")
	packCmd.Flags().StringVar(&packCmdline, "cmdline", "", "Kernel command line to store in the header")
	packCmd.Flags().StringVar(&packBase, "base", "0x10000000", "Base load address")
	packCmd.Flags().StringVar(&packKernelOffset, "kernel-offset", "0x00008000", "Kernel offset from base")
	packCmd.Flags().StringVar(&packRamdiskOffset, "ramdisk-offset", "0x01000000", "Ramdisk offset from base")
	packCmd.Flags().StringVar(&packSecondOffset, "second-offset", "0x00f00000", "Second stage bootloader offset from base")
	packCmd.Flags().StringVar(&packTagsOffset, "tags-offset", "0x00000100", "Kernel tags offset from base")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(packCmd)
	rootCmd.Execute()
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
}
