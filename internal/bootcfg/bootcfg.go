// Package bootcfg manages the per-node network-boot artifacts: the rendered
// boot config file, the MAC-keyed boot-menu link, the deploy token file and
// the switch from deployment to production boot once a root UUID is known.
package bootcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	rootTokenRe   = regexp.MustCompile(`\{\{ ROOT \}\}`)
	defaultLineRe = regexp.MustCompile(`^default .*$`)
)

// SwitchConfig rewrites a rendered boot config in place: the root
// placeholder becomes UUID=<rootUUID> and the default-boot directive is
// pointed at the production boot label. Both substitutions are line-oriented
// and applied in one pass.
func SwitchConfig(path, rootUUID string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read boot config %s: %w", path, err)
	}
	lines := strings.Split(string(b), "\n")
	for i, line := range lines {
		line = rootTokenRe.ReplaceAllString(line, "UUID="+rootUUID)
		line = defaultLineRe.ReplaceAllString(line, "default boot")
		lines[i] = line
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("rewrite boot config %s: %w", path, err)
	}
	return nil
}

// Layout resolves the per-node paths under the TFTP and images roots.
type Layout struct {
	TFTPRoot   string
	ImagesRoot string
}

// NodeConfigDir is where a node's boot config and boot artifacts live.
func (l Layout) NodeConfigDir(nodeID string) string {
	return filepath.Join(l.TFTPRoot, nodeID)
}

// NodeConfigPath is the rendered boot config file for a node.
func (l Layout) NodeConfigPath(nodeID string) string {
	return filepath.Join(l.NodeConfigDir(nodeID), "config")
}

// NodeKernelPath is the node's deploy kernel link inside its config dir.
func (l Layout) NodeKernelPath(nodeID string) string {
	return filepath.Join(l.NodeConfigDir(nodeID), "deploy_kernel")
}

// NodeRamdiskPath is the node's deploy ramdisk link inside its config dir.
func (l Layout) NodeRamdiskPath(nodeID string) string {
	return filepath.Join(l.NodeConfigDir(nodeID), "deploy_ramdisk")
}

// NodeImageDir holds the node's hard links into the instance image cache.
func (l Layout) NodeImageDir(nodeID string) string {
	return filepath.Join(l.ImagesRoot, nodeID)
}

// NodeImagePath is the node's instance image link.
func (l Layout) NodeImagePath(nodeID string) string {
	return filepath.Join(l.NodeImageDir(nodeID), "disk")
}

// TokenPath is the deploy token file written when a deploy is prepared.
func (l Layout) TokenPath(nodeID string) string {
	return filepath.Join(l.TFTPRoot, "token-"+nodeID)
}

// MenuLinkPath is the boot-menu entry for a MAC, in the 01-aa-bb-cc
// convention of PXE loaders.
func (l Layout) MenuLinkPath(mac string) string {
	name := "01-" + strings.ToLower(strings.ReplaceAll(mac, ":", "-"))
	return filepath.Join(l.TFTPRoot, "pxelinux.cfg", name)
}

// WriteToken stores the deploy token for a node.
func (l Layout) WriteToken(nodeID, token string) error {
	if err := os.MkdirAll(l.TFTPRoot, 0o755); err != nil {
		return fmt.Errorf("create tftp root: %w", err)
	}
	if err := os.WriteFile(l.TokenPath(nodeID), []byte(token), 0o600); err != nil {
		return fmt.Errorf("write token for %s: %w", nodeID, err)
	}
	return nil
}

// CreateMenuLink points the MAC's boot-menu entry at the node's config.
func (l Layout) CreateMenuLink(nodeID, mac string) error {
	link := l.MenuLinkPath(mac)
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return fmt.Errorf("create boot menu dir: %w", err)
	}
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace boot menu link %s: %w", link, err)
	}
	if err := os.Link(l.NodeConfigPath(nodeID), link); err != nil {
		return fmt.Errorf("link boot menu entry %s: %w", link, err)
	}
	return nil
}

// CleanUpNode removes every per-node boot artifact. Absent files are fine;
// clean-up is idempotent so a failed deploy can be cleaned repeatedly.
func (l Layout) CleanUpNode(nodeID, mac string) error {
	paths := []string{l.TokenPath(nodeID)}
	if mac != "" {
		paths = append(paths, l.MenuLinkPath(mac))
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	for _, d := range []string{l.NodeConfigDir(nodeID), l.NodeImageDir(nodeID)} {
		if err := os.RemoveAll(d); err != nil {
			return fmt.Errorf("remove %s: %w", d, err)
		}
	}
	return nil
}
