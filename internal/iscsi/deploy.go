package iscsi

import (
	"context"

	"metaldeployd/internal/disk"
)

// DiskProvisioner is the disk-side surface the deploy wrappers drive.
type DiskProvisioner interface {
	WorkOnDisk(ctx context.Context, dev string, opts disk.DeployOptions) (string, error)
	WriteToDisk(ctx context.Context, imagePath, dev, nodeID string) error
}

// DeployPartitionImage attaches the target, partitions its disk, copies the
// image into the root partition and returns the root filesystem UUID. The
// after hook runs inside the session scope, before teardown and the
// completion notify, so boot-config changes land before the node can reboot
// and fetch them. The session is torn down on every exit path.
func (m *SessionManager) DeployPartitionImage(ctx context.Context, prov DiskProvisioner, t Target, opts disk.DeployOptions, after func(rootUUID string) error) (string, error) {
	var rootUUID string
	err := m.WithDevice(ctx, t, func(dev string) error {
		uuid, err := prov.WorkOnDisk(ctx, dev, opts)
		if err != nil {
			return err
		}
		rootUUID = uuid
		if after != nil {
			return after(uuid)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return rootUUID, nil
}

// DeployDiskImage attaches the target and writes the whole-disk image
// straight onto the device. There is no root UUID to report; the image
// carries its own partition table.
func (m *SessionManager) DeployDiskImage(ctx context.Context, prov DiskProvisioner, t Target, imagePath, nodeID string) error {
	return m.WithDevice(ctx, t, func(dev string) error {
		return prov.WriteToDisk(ctx, imagePath, dev, nodeID)
	})
}
