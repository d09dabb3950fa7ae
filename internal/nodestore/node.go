// Package nodestore persists node records and owns the per-node lock
// discipline. A record tracks what the surrounding orchestrator needs to know
// about provisioning: the state machine position, power state and the deploy
// parameters rendered into the boot config.
package nodestore

import "time"

// ProvisionState positions a node in the provisioning state machine.
type ProvisionState string

const (
	StateAvailable  ProvisionState = "available"
	StateDeploying  ProvisionState = "deploying"
	StateDeployWait ProvisionState = "wait call-back"
	StateActive     ProvisionState = "active"
	StateDeployFail ProvisionState = "deploy failed"
	StateDeleting   ProvisionState = "deleting"
	StateDeleted    ProvisionState = "deleted"
	StateError      ProvisionState = "error"
)

// PowerState is the last known power position of the physical host.
type PowerState string

const (
	PowerOn  PowerState = "power on"
	PowerOff PowerState = "power off"
	Reboot   PowerState = "rebooting"
)

// InstanceInfo carries the deploy request parameters for a node.
type InstanceInfo struct {
	ImageID           string `json:"image_id"`
	RootMB            int64  `json:"root_mb"`
	SwapMB            int64  `json:"swap_mb"`
	EphemeralMB       int64  `json:"ephemeral_mb"`
	EphemeralFormat   string `json:"ephemeral_format,omitempty"`
	PreserveEphemeral bool   `json:"preserve_ephemeral,omitempty"`
	// WholeDisk marks images that carry their own partition table and are
	// written to the raw device instead of a root partition.
	WholeDisk bool `json:"whole_disk,omitempty"`
}

// DriverInfo carries the boot-artifact references rendered into the deploy
// boot config.
type DriverInfo struct {
	DeployKernelID  string `json:"deploy_kernel_id"`
	DeployRamdiskID string `json:"deploy_ramdisk_id"`
}

// Node is one managed machine.
type Node struct {
	UUID           string
	MAC            string
	ProvisionState ProvisionState
	PowerState     PowerState
	LastError      string
	// DeployKey is the shared secret rendered into the boot config; the
	// deploy callback must echo it back.
	DeployKey string
	Instance  InstanceInfo
	Driver    DriverInfo
	CreatedAt time.Time
	UpdatedAt time.Time
}
