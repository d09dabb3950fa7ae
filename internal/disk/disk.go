// Package disk turns raw block devices into bootable filesystems: partition
// table construction, metadata wipe, raw image copy and UUID discovery. All
// device work goes through external tools via a shell.Runner so it can be
// exercised against fakes.
package disk

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"metaldeployd/internal/shell"
)

const mib = 1024 * 1024

// sectors to zero at each end of the disk: 18KiB of 512-byte sectors covers
// MBR/GPT primary headers at the head and GPT backup plus LVM/MD/DM
// superblock signatures at the tail.
const wipeSectors = 36

// DeviceNotFoundError reports a path that is not a block-special device.
type DeviceNotFoundError struct {
	Device string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device %q not found or not a block device", e.Device)
}

// CeilMB converts a byte count to whole MiB, rounding up.
func CeilMB(bytes int64) int64 {
	return (bytes + mib - 1) / mib
}

// IsBlockDevice reports whether path resolves to a block-special file.
func IsBlockDevice(path string) bool {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFBLK
}

// BlockUUID returns the filesystem UUID of a block device via blkid.
func BlockUUID(ctx context.Context, runner shell.Runner, dev string) (string, error) {
	res, err := runner.Run(ctx, "blkid", "-s", "UUID", "-o", "value", dev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// GetDevBlockSize returns the device size in 512-byte sectors.
func GetDevBlockSize(ctx context.Context, runner shell.Runner, dev string) (int64, error) {
	res, err := runner.Run(ctx, "blockdev", "--getsz", dev)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(res.Stdout)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse blockdev output for %s: %w", dev, err)
	}
	return n, nil
}

// dd copies src onto dst in 1MiB blocks with direct I/O, bypassing the page
// cache so a full-device write is not buffered.
func dd(ctx context.Context, runner shell.Runner, src, dst string) error {
	_, err := runner.Run(ctx, "dd", "if="+src, "of="+dst, "bs=1M", "oflag=direct")
	return err
}

func mkswap(ctx context.Context, runner shell.Runner, dev string) error {
	_, err := runner.Run(ctx, "mkswap", "-L", "swap1", dev)
	return err
}

func mkfs(ctx context.Context, runner shell.Runner, fsType, dev, label string) error {
	_, err := runner.Run(ctx, "mkfs."+fsType, "-L", label, dev)
	return err
}
