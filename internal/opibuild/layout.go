package opibuild

import (
	"fmt"
	"strconv"
)

// SectorSize is the logical sector size every offset below assumes.
const SectorSize = 512

// PartitionSpec is one GPT partition in the fixed Rockchip layout. An End
// of -1 means "to the last usable sector".
type PartitionSpec struct {
	Number   int
	Name     string
	Start    int64 // sectors
	End      int64 // sectors, inclusive; -1 = rest of disk
	TypeCode string
	FSLabel  string // empty when the partition holds raw data
}

// RK3588Layout is the boot ROM mandated disk layout for the Orange Pi 5
// Plus. The first three partitions hold raw bootloader stages at offsets
// the SoC's mask ROM and SPL expect; only boot and rootfs carry
// filesystems.
var RK3588Layout = []PartitionSpec{
	{Number: 1, Name: "loader1", Start: 64, End: 8191, TypeCode: "8301"},
	{Number: 2, Name: "loader2", Start: 8192, End: 16383, TypeCode: "8301"},
	{Number: 3, Name: "trust", Start: 16384, End: 24575, TypeCode: "8301"},
	{Number: 4, Name: "boot", Start: 24576, End: 32767, TypeCode: "8300", FSLabel: "BOOT"},
	{Number: 5, Name: "rootfs", Start: 32768, End: -1, TypeCode: "8300", FSLabel: "ROOTFS"},
}

// Raw write offsets for the bootloader stages, in bytes.
const (
	Loader1ByteOffset = 64 * SectorSize    // idbloader.img / u-boot-rockchip.bin
	Loader2ByteOffset = 16384 * SectorSize // u-boot.itb
)

// SgdiskArgs renders the layout into one sgdisk invocation: wipe, create
// each partition, name it and set its type code.
func SgdiskArgs(layout []PartitionSpec, image string) []string {
	args := []string{"--zap-all"}
	for _, p := range layout {
		end := strconv.FormatInt(p.End, 10)
		if p.End < 0 {
			end = "0" // sgdisk: 0 means last usable sector
		}
		args = append(args,
			fmt.Sprintf("--new=%d:%d:%s", p.Number, p.Start, end),
			fmt.Sprintf("--change-name=%d:%s", p.Number, p.Name),
			fmt.Sprintf("--typecode=%d:%s", p.Number, p.TypeCode),
		)
	}
	return append(args, image)
}

// PartitionDevice returns the partition node for an attached loop device,
// e.g. /dev/loop0 + 4 -> /dev/loop0p4.
func PartitionDevice(loopDev string, number int) string {
	return fmt.Sprintf("%sp%d", loopDev, number)
}

// partitionByName finds a layout entry. Panics on a bad name since the
// layout is a compile-time table.
func partitionByName(name string) PartitionSpec {
	for _, p := range RK3588Layout {
		if p.Name == name {
			return p
		}
	}
	panic("unknown partition " + name)
}
