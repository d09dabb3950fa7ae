package bootcfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `default deploy

label deploy
kernel deploy_kernel
append initrd=deploy_ramdisk

label boot
kernel kernel
append initrd=ramdisk root={{ ROOT }}
`

func TestSwitchConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := SwitchConfig(path, "12345678-abcd"); err != nil {
		t.Fatalf("SwitchConfig: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := string(b)
	if !strings.Contains(got, "root=UUID=12345678-abcd") {
		t.Errorf("root token not replaced:\n%s", got)
	}
	if !strings.HasPrefix(got, "default boot\n") {
		t.Errorf("default directive not switched:\n%s", got)
	}
	if strings.Contains(got, "{{ ROOT }}") {
		t.Error("placeholder left behind")
	}
	// only the directive line changes, labels stay intact
	if !strings.Contains(got, "label deploy") {
		t.Errorf("unrelated lines must survive:\n%s", got)
	}
}

func TestSwitchConfigIdempotentOnDefaultLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte("default boot\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := SwitchConfig(path, "x"); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(path)
	if string(b) != "default boot\n" {
		t.Errorf("got %q", string(b))
	}
}

func TestLayoutCleanUpIdempotent(t *testing.T) {
	l := Layout{TFTPRoot: t.TempDir(), ImagesRoot: t.TempDir()}
	nodeID := "11111111-2222-3333-4444-555555555555"
	mac := "aa:bb:cc:dd:ee:ff"

	if err := os.MkdirAll(l.NodeConfigDir(nodeID), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(l.NodeConfigPath(nodeID), []byte("cfg"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.WriteToken(nodeID, "secret"); err != nil {
		t.Fatal(err)
	}
	if err := l.CreateMenuLink(nodeID, mac); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(l.MenuLinkPath(mac)); err != nil {
		t.Fatalf("menu link missing: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := l.CleanUpNode(nodeID, mac); err != nil {
			t.Fatalf("CleanUpNode pass %d: %v", i+1, err)
		}
	}
	for _, p := range []string{
		l.NodeConfigDir(nodeID),
		l.NodeImageDir(nodeID),
		l.TokenPath(nodeID),
		l.MenuLinkPath(mac),
	} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should be gone", p)
		}
	}
}

func TestMenuLinkPath(t *testing.T) {
	l := Layout{TFTPRoot: "/tftp"}
	got := l.MenuLinkPath("AA:BB:CC:DD:EE:FF")
	want := "/tftp/pxelinux.cfg/01-aa-bb-cc-dd-ee-ff"
	if got != want {
		t.Errorf("MenuLinkPath = %q, want %q", got, want)
	}
}
