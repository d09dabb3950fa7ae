// Package provision drives the node provisioning state machine: it prepares
// deploys, handles the ramdisk's deploy callback and tears nodes down. All
// node mutation happens under the store's per-node locks; cache state is
// protected by the caches themselves.
package provision

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"metaldeployd/internal/bootcfg"
	"metaldeployd/internal/disk"
	"metaldeployd/internal/imagecache"
	"metaldeployd/internal/iscsi"
	"metaldeployd/internal/metrics"
	"metaldeployd/internal/nodestore"
)

// InvalidParameterError rejects a deploy callback without touching node
// state.
type InvalidParameterError struct {
	Param  string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Param, e.Reason)
}

// DeployFailure is the terminal error of a failed deploy pipeline; its text
// is recorded on the node.
type DeployFailure struct {
	Node string
	Err  error
}

func (e *DeployFailure) Error() string {
	return fmt.Sprintf("deploy of node %s failed: %v", e.Node, e.Err)
}

func (e *DeployFailure) Unwrap() error { return e.Err }

// CallbackParams is what the deploy ramdisk posts back once its iSCSI export
// is up.
type CallbackParams struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	IQN     string `json:"iqn"`
	LUN     int    `json:"lun"`
	Key     string `json:"key"`
	// Error carries a ramdisk-side failure; the deploy is failed without
	// touching the disk.
	Error string `json:"error"`
}

// Coordinator owns the provisioning flow for all nodes.
type Coordinator struct {
	Store     *nodestore.Store
	Caches    *imagecache.CacheSet
	Sessions  *iscsi.SessionManager
	Disk      *disk.Provisioner
	Layout    bootcfg.Layout
	Ephemeral string // default ephemeral filesystem type
	Log       zerolog.Logger

	// test seams; production runs the real iscsi+disk pipeline
	deployPartition func(ctx context.Context, t iscsi.Target, opts disk.DeployOptions) (string, error)
	deployDisk      func(ctx context.Context, t iscsi.Target, imagePath, nodeID string) error
}

func NewCoordinator(store *nodestore.Store, caches *imagecache.CacheSet, sessions *iscsi.SessionManager, prov *disk.Provisioner, layout bootcfg.Layout, ephemeralFormat string, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		Store:     store,
		Caches:    caches,
		Sessions:  sessions,
		Disk:      prov,
		Layout:    layout,
		Ephemeral: ephemeralFormat,
		Log:       log.With().Str("component", "provision").Logger(),
	}
	c.deployPartition = func(ctx context.Context, t iscsi.Target, opts disk.DeployOptions) (string, error) {
		// The boot-config switch runs inside the session scope so it lands
		// before the completion notify releases the node to reboot.
		return c.Sessions.DeployPartitionImage(ctx, c.Disk, t, opts, func(rootUUID string) error {
			return bootcfg.SwitchConfig(c.Layout.NodeConfigPath(opts.NodeID), rootUUID)
		})
	}
	c.deployDisk = func(ctx context.Context, t iscsi.Target, imagePath, nodeID string) error {
		return c.Sessions.DeployDiskImage(ctx, c.Disk, t, imagePath, nodeID)
	}
	return c
}

// newDeployKey returns the shared secret rendered into the boot config.
func newDeployKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate deploy key: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// Deploy prepares a node: caches its instance image, writes the boot
// artifacts and parks the node waiting for the ramdisk callback.
func (c *Coordinator) Deploy(ctx context.Context, uuid string) error {
	task, err := c.Store.Acquire(ctx, uuid, false)
	if err != nil {
		return err
	}
	defer task.Release()
	node := task.Node

	switch node.ProvisionState {
	case nodestore.StateAvailable, nodestore.StateDeployFail, nodestore.StateDeleted:
	default:
		return fmt.Errorf("node %s is %s, cannot deploy", uuid, node.ProvisionState)
	}
	if node.Instance.ImageID == "" {
		return &InvalidParameterError{Param: "image_id", Reason: "missing"}
	}

	node.ProvisionState = nodestore.StateDeploying
	node.LastError = ""
	if err := task.Save(); err != nil {
		return err
	}

	if err := c.prepare(ctx, node); err != nil {
		node.ProvisionState = nodestore.StateDeployFail
		node.LastError = err.Error()
		if serr := task.Save(); serr != nil {
			c.Log.Error().Err(serr).Str("node", uuid).Msg("recording prepare failure")
		}
		return err
	}

	node.ProvisionState = nodestore.StateDeployWait
	node.PowerState = nodestore.Reboot
	return task.Save()
}

// prepare stages every artifact the ramdisk boot needs: instance image in
// the cache, deploy kernel/ramdisk in the boot cache, rendered config, token
// and boot-menu link. The deploy key is set on the node as a side effect.
func (c *Coordinator) prepare(ctx context.Context, node *nodestore.Node) error {
	items := []imagecache.FetchItem{{ID: node.Instance.ImageID, Dest: c.Layout.NodeImagePath(node.UUID)}}
	if err := c.Caches.FetchAll(ctx, c.Caches.Instance, items); err != nil {
		return err
	}

	imageMB, err := disk.GetImageMB(c.Layout.NodeImagePath(node.UUID))
	if err != nil {
		return err
	}
	if !node.Instance.WholeDisk && imageMB > node.Instance.RootMB {
		return fmt.Errorf("image is %d MiB but root partition is only %d MiB", imageMB, node.Instance.RootMB)
	}

	var bootItems []imagecache.FetchItem
	if node.Driver.DeployKernelID != "" {
		bootItems = append(bootItems, imagecache.FetchItem{
			ID: node.Driver.DeployKernelID, Dest: c.Layout.NodeKernelPath(node.UUID),
		})
	}
	if node.Driver.DeployRamdiskID != "" {
		bootItems = append(bootItems, imagecache.FetchItem{
			ID: node.Driver.DeployRamdiskID, Dest: c.Layout.NodeRamdiskPath(node.UUID),
		})
	}
	if len(bootItems) > 0 {
		if err := c.Caches.FetchAll(ctx, c.Caches.Boot, bootItems); err != nil {
			return err
		}
	}

	key, err := newDeployKey()
	if err != nil {
		return err
	}
	node.DeployKey = key

	if err := c.writeBootConfig(node); err != nil {
		return err
	}
	if err := c.Layout.WriteToken(node.UUID, key); err != nil {
		return err
	}
	if node.MAC != "" {
		if err := c.Layout.CreateMenuLink(node.UUID, node.MAC); err != nil {
			return err
		}
	}
	return nil
}

// writeBootConfig renders the pxelinux-style config. The root placeholder
// stays literal until the callback supplies a real UUID.
func (c *Coordinator) writeBootConfig(node *nodestore.Node) error {
	dir := c.Layout.NodeConfigDir(node.UUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create node config dir: %w", err)
	}
	cfg := fmt.Sprintf(`default deploy

label deploy
kernel %s
append initrd=%s deploy_key=%s node_uuid=%s

label boot
kernel %s
append root={{ ROOT }} ro
`,
		c.Layout.NodeKernelPath(node.UUID),
		c.Layout.NodeRamdiskPath(node.UUID),
		node.DeployKey,
		node.UUID,
		c.Layout.NodeKernelPath(node.UUID))
	if err := os.WriteFile(c.Layout.NodeConfigPath(node.UUID), []byte(cfg), 0o644); err != nil {
		return fmt.Errorf("write boot config: %w", err)
	}
	return nil
}

// ContinueDeploy handles the ramdisk callback. Parameter problems are
// rejected without a state change; a node that is not waiting for a callback
// is ignored. Everything past validation runs to a terminal state, and both
// caches are swept exactly once whichever way it ends.
func (c *Coordinator) ContinueDeploy(ctx context.Context, uuid string, params CallbackParams) error {
	task, err := c.Store.Acquire(ctx, uuid, true)
	if err != nil {
		return err
	}
	defer task.Release()

	if err := c.validateCallback(task.Node, params); err != nil {
		return err
	}
	if task.Node.ProvisionState != nodestore.StateDeployWait {
		c.Log.Warn().Str("node", uuid).Str("state", string(task.Node.ProvisionState)).
			Msg("deploy callback for node not waiting, ignored")
		return nil
	}

	if err := task.UpgradeLock(ctx); err != nil {
		return err
	}
	// Re-check after the lock gap; another callback may have won.
	if task.Node.ProvisionState != nodestore.StateDeployWait {
		c.Log.Warn().Str("node", uuid).Str("state", string(task.Node.ProvisionState)).
			Msg("deploy callback lost the lock race, ignored")
		return nil
	}

	node := task.Node
	node.ProvisionState = nodestore.StateDeploying
	if err := task.Save(); err != nil {
		return err
	}

	// Disk-destructive work starts here; a dropped callback connection must
	// not abort it mid-write, so the pipeline outlives the caller's context.
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	defer c.Caches.CleanUpAll(ctx)
	// The deploy secret is spent either way once the pipeline has run.
	defer func() {
		if err := os.Remove(c.Layout.TokenPath(uuid)); err != nil && !os.IsNotExist(err) {
			c.Log.Warn().Err(err).Str("node", uuid).Msg("removing deploy token")
		}
	}()

	_, deployErr := c.runPipeline(ctx, node, params)
	metrics.DeployDuration.Observe(time.Since(start).Seconds())

	if deployErr != nil {
		metrics.DeploysTotal.WithLabelValues("failure").Inc()
		node.ProvisionState = nodestore.StateDeployFail
		node.PowerState = nodestore.PowerOff
		node.LastError = deployErr.Error()
		if serr := task.Save(); serr != nil {
			c.Log.Error().Err(serr).Str("node", uuid).Msg("recording deploy failure")
		}
		return &DeployFailure{Node: uuid, Err: deployErr}
	}

	metrics.DeploysTotal.WithLabelValues("success").Inc()
	node.ProvisionState = nodestore.StateActive
	node.LastError = ""
	node.DeployKey = ""
	if err := task.Save(); err != nil {
		return err
	}
	c.Log.Info().Str("node", uuid).Dur("took", time.Since(start)).Msg("deploy complete")
	return nil
}

func (c *Coordinator) validateCallback(node *nodestore.Node, params CallbackParams) error {
	if params.Address == "" {
		return &InvalidParameterError{Param: "address", Reason: "missing"}
	}
	if params.IQN == "" {
		return &InvalidParameterError{Param: "iqn", Reason: "missing"}
	}
	if params.Key == "" {
		return &InvalidParameterError{Param: "key", Reason: "missing"}
	}
	if subtle.ConstantTimeCompare([]byte(params.Key), []byte(node.DeployKey)) != 1 {
		return &InvalidParameterError{Param: "key", Reason: "does not match"}
	}
	return nil
}

func (c *Coordinator) runPipeline(ctx context.Context, node *nodestore.Node, params CallbackParams) (string, error) {
	if params.Error != "" {
		return "", fmt.Errorf("ramdisk reported: %s", params.Error)
	}
	port := params.Port
	if port == 0 {
		port = 3260
	}
	target := iscsi.Target{Address: params.Address, Port: port, IQN: params.IQN, LUN: params.LUN}
	imagePath := c.Layout.NodeImagePath(node.UUID)

	if node.Instance.WholeDisk {
		return "", c.deployDisk(ctx, target, imagePath, node.UUID)
	}

	format := node.Instance.EphemeralFormat
	if format == "" {
		format = c.Ephemeral
	}
	return c.deployPartition(ctx, target, disk.DeployOptions{
		RootMB:            node.Instance.RootMB,
		SwapMB:            node.Instance.SwapMB,
		EphemeralMB:       node.Instance.EphemeralMB,
		EphemeralFormat:   format,
		ImagePath:         imagePath,
		NodeID:            node.UUID,
		PreserveEphemeral: node.Instance.PreserveEphemeral,
	})
}

// TearDown unprovisions a node: boot artifacts removed, record parked in
// DELETED with power off. Repeating it is harmless.
func (c *Coordinator) TearDown(ctx context.Context, uuid string) error {
	task, err := c.Store.Acquire(ctx, uuid, false)
	if err != nil {
		return err
	}
	defer task.Release()
	node := task.Node

	node.ProvisionState = nodestore.StateDeleting
	if err := task.Save(); err != nil {
		return err
	}

	if err := c.Layout.CleanUpNode(uuid, node.MAC); err != nil {
		node.ProvisionState = nodestore.StateError
		node.LastError = err.Error()
		if serr := task.Save(); serr != nil {
			c.Log.Error().Err(serr).Str("node", uuid).Msg("recording teardown failure")
		}
		return err
	}

	node.ProvisionState = nodestore.StateDeleted
	node.PowerState = nodestore.PowerOff
	node.LastError = ""
	node.DeployKey = ""
	return task.Save()
}

// RegisterCacheSweep schedules the periodic TTL clean-up of both caches.
func (c *Coordinator) RegisterCacheSweep(cr *cron.Cron, schedule string) error {
	_, err := cr.AddFunc(schedule, func() {
		c.Caches.CleanUpAll(context.Background())
	})
	if err != nil {
		return fmt.Errorf("schedule cache sweep: %w", err)
	}
	return nil
}
