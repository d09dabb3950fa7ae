package disk

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"metaldeployd/internal/shell"
)

// DeployOptions describes one partitioned image deploy.
type DeployOptions struct {
	RootMB            int64
	SwapMB            int64
	EphemeralMB       int64
	EphemeralFormat   string
	ImagePath         string
	NodeID            string
	PreserveEphemeral bool
}

// Provisioner drives the destructive steps of a deploy on one block device.
type Provisioner struct {
	Runner shell.Runner
	Log    zerolog.Logger

	// test seam; real deploys stat the device node
	isBlockDevice func(string) bool
}

func NewProvisioner(runner shell.Runner, log zerolog.Logger) *Provisioner {
	return &Provisioner{Runner: runner, Log: log, isBlockDevice: IsBlockDevice}
}

// GetImageMB returns the size of the image file in whole MiB, rounded up.
func GetImageMB(imagePath string) (int64, error) {
	fi, err := os.Stat(imagePath)
	if err != nil {
		return 0, fmt.Errorf("stat image %s: %w", imagePath, err)
	}
	return CeilMB(fi.Size()), nil
}

// WorkOnDisk partitions dev, copies the image onto the root partition,
// formats swap/ephemeral as requested and returns the root filesystem UUID.
func (p *Provisioner) WorkOnDisk(ctx context.Context, dev string, opts DeployOptions) (string, error) {
	if !p.isBlockDevice(dev) {
		return "", &DeviceNotFoundError{Device: dev}
	}

	imageMB, err := GetImageMB(opts.ImagePath)
	if err != nil {
		return "", err
	}
	rootMB := opts.RootMB
	if imageMB > rootMB {
		// The image is raw-copied into the root partition, so the partition
		// must grow to hold it.
		p.Log.Info().Str("node", opts.NodeID).Int64("root_mb", rootMB).Int64("image_mb", imageMB).
			Msg("growing root partition to image size")
		rootMB = imageMB
	}

	// preserve_ephemeral is only set on a rebuild that must keep the
	// ephemeral partition's content; in that case the table is recomputed
	// but never rewritten.
	commit := !opts.PreserveEphemeral
	if commit {
		if err := p.DestroyDiskMetadata(ctx, dev, opts.NodeID); err != nil {
			return "", err
		}
	}

	parts, err := MakePartitions(ctx, p.Runner, dev, rootMB, opts.SwapMB, opts.EphemeralMB, commit)
	if err != nil {
		return "", err
	}

	rootPart := parts[RoleRoot]
	swapPart := parts[RoleSwap]
	ephemeralPart := parts[RoleEphemeral]

	// The partitioner can silently fail to create device nodes on some
	// platforms; absence must stop the deploy before any copy.
	if !p.isBlockDevice(rootPart) {
		return "", &DeviceNotFoundError{Device: rootPart}
	}
	if swapPart != "" && !p.isBlockDevice(swapPart) {
		return "", &DeviceNotFoundError{Device: swapPart}
	}
	if ephemeralPart != "" && !p.isBlockDevice(ephemeralPart) {
		return "", &DeviceNotFoundError{Device: ephemeralPart}
	}

	if err := dd(ctx, p.Runner, opts.ImagePath, rootPart); err != nil {
		return "", err
	}

	if swapPart != "" {
		if err := mkswap(ctx, p.Runner, swapPart); err != nil {
			return "", err
		}
	}
	if ephemeralPart != "" && !opts.PreserveEphemeral {
		if err := mkfs(ctx, p.Runner, opts.EphemeralFormat, ephemeralPart, "ephemeral0"); err != nil {
			return "", err
		}
	}

	rootUUID, err := BlockUUID(ctx, p.Runner, rootPart)
	if err != nil {
		p.Log.Error().Err(err).Str("node", opts.NodeID).Str("device", rootPart).
			Msg("failed to detect root device UUID")
		return "", err
	}
	return rootUUID, nil
}

// WriteToDisk copies the image directly onto the whole device, for images
// that carry their own partition table.
func (p *Provisioner) WriteToDisk(ctx context.Context, imagePath, dev, nodeID string) error {
	if !p.isBlockDevice(dev) {
		return &DeviceNotFoundError{Device: dev}
	}
	if err := p.DestroyDiskMetadata(ctx, dev, nodeID); err != nil {
		return err
	}
	return dd(ctx, p.Runner, imagePath, dev)
}

// DestroyDiskMetadata zeroes the first and last 18KiB of the device so stale
// MBR/GPT headers and trailing superblock signatures (LVM, MD, DM) cannot
// cause the freshly written filesystem to be misdetected. Both wipes are
// mandatory; either failing aborts the deploy.
func (p *Provisioner) DestroyDiskMetadata(ctx context.Context, dev, nodeID string) error {
	if _, err := p.Runner.Run(ctx, "dd", "if=/dev/zero", "of="+dev, "bs=512",
		"count="+fmt.Sprint(wipeSectors)); err != nil {
		p.logWipeError(err, nodeID, dev, "failed to erase beginning of disk")
		return err
	}

	blockSz, err := GetDevBlockSize(ctx, p.Runner, dev)
	if err != nil {
		p.logWipeError(err, nodeID, dev, "failed to get disk block count")
		return err
	}

	seek := blockSz - wipeSectors
	if _, err := p.Runner.Run(ctx, "dd", "if=/dev/zero", "of="+dev, "bs=512",
		"count="+fmt.Sprint(wipeSectors), "seek="+fmt.Sprint(seek)); err != nil {
		p.logWipeError(err, nodeID, dev, "failed to erase end of disk")
		return err
	}
	return nil
}

func (p *Provisioner) logWipeError(err error, nodeID, dev, msg string) {
	ev := p.Log.Error().Err(err).Str("node", nodeID).Str("device", dev)
	var ee *shell.ExecError
	if errors.As(err, &ee) {
		ev = ev.Str("command", ee.Cmd).Str("stderr", ee.Stderr)
	}
	ev.Msg(msg)
}
