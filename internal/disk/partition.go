package disk

import (
	"context"
	"fmt"
	"strconv"

	"metaldeployd/internal/shell"
)

// Role names a partition's purpose in a plan.
type Role string

const (
	RoleRoot      Role = "root"
	RoleSwap      Role = "swap"
	RoleEphemeral Role = "ephemeral"
)

type pendingPartition struct {
	sizeMB int64
	fsType string
}

// Partitioner accumulates a partition table for one device and writes it in a
// single parted invocation on Commit. Partition numbers are assigned in add
// order starting at 1.
type Partitioner struct {
	dev        string
	runner     shell.Runner
	partitions []pendingPartition
}

func NewPartitioner(dev string, runner shell.Runner) *Partitioner {
	return &Partitioner{dev: dev, runner: runner}
}

// AddPartition appends a partition of sizeMB mebibytes and returns its
// number. fsType may be empty; it only seeds the partition type hint, actual
// filesystems are created separately.
func (p *Partitioner) AddPartition(sizeMB int64, fsType string) int {
	p.partitions = append(p.partitions, pendingPartition{sizeMB: sizeMB, fsType: fsType})
	return len(p.partitions)
}

// Commit writes the accumulated table to disk. The first partition starts at
// 1MiB so every partition stays MiB-aligned.
func (p *Partitioner) Commit(ctx context.Context) error {
	args := []string{"-a", "optimal", "-s", "--", p.dev, "mklabel", "msdos"}
	start := int64(1)
	for _, part := range p.partitions {
		end := start + part.sizeMB
		fsType := part.fsType
		if fsType == "" {
			fsType = "ext2"
		}
		args = append(args, "mkpart", "primary", fsType,
			strconv.FormatInt(start, 10)+"MiB", strconv.FormatInt(end, 10)+"MiB")
		start = end
	}
	if _, err := p.runner.Run(ctx, "parted", args...); err != nil {
		return fmt.Errorf("partitioning %s: %w", p.dev, err)
	}
	return nil
}

// MakePartitions builds the partition plan for a deploy and, when commit is
// true, writes it to the device. The root partition is always last so
// grow-to-fill tooling can expand it to the end of the disk; swap and
// ephemeral are included only when their size is nonzero.
func MakePartitions(ctx context.Context, runner shell.Runner, dev string, rootMB, swapMB, ephemeralMB int64, commit bool) (map[Role]string, error) {
	partPath := func(n int) string { return fmt.Sprintf("%s-part%d", dev, n) }
	parts := make(map[Role]string)
	dp := NewPartitioner(dev, runner)
	if ephemeralMB > 0 {
		parts[RoleEphemeral] = partPath(dp.AddPartition(ephemeralMB, ""))
	}
	if swapMB > 0 {
		parts[RoleSwap] = partPath(dp.AddPartition(swapMB, "linux-swap"))
	}
	parts[RoleRoot] = partPath(dp.AddPartition(rootMB, ""))
	if commit {
		if err := dp.Commit(ctx); err != nil {
			return nil, err
		}
	}
	return parts, nil
}
