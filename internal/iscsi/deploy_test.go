package iscsi

import (
	"context"
	"errors"
	"testing"

	"metaldeployd/internal/disk"
	"metaldeployd/internal/shell/shelltest"
)

// scriptedDisk records pipeline steps into a shared event list so tests can
// assert ordering against the session's notify.
type scriptedDisk struct {
	events *[]string
	uuid   string
	err    error
}

func (d *scriptedDisk) WorkOnDisk(ctx context.Context, dev string, opts disk.DeployOptions) (string, error) {
	*d.events = append(*d.events, "work-on-disk")
	return d.uuid, d.err
}

func (d *scriptedDisk) WriteToDisk(ctx context.Context, imagePath, dev, nodeID string) error {
	*d.events = append(*d.events, "write-to-disk")
	return d.err
}

func TestDeployPartitionImageHookBeforeNotify(t *testing.T) {
	fake := shelltest.NewFakeRunner()
	m, _ := newTestManager(fake)
	var events []string
	m.notify = func(address string, port int) error {
		events = append(events, "notify")
		return nil
	}
	prov := &scriptedDisk{events: &events, uuid: "abcd-1234"}

	uuid, err := m.DeployPartitionImage(context.Background(), prov, testTarget(),
		disk.DeployOptions{NodeID: "node-1"}, func(rootUUID string) error {
			if rootUUID != "abcd-1234" {
				t.Errorf("hook got uuid %q", rootUUID)
			}
			events = append(events, "switch-config")
			return nil
		})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if uuid != "abcd-1234" {
		t.Errorf("uuid = %q", uuid)
	}

	want := []string{"work-on-disk", "switch-config", "notify"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
	if !fake.Ran("--logout") || !fake.Ran("-o delete") {
		t.Errorf("teardown missing; ran %v", fake.Commands)
	}
}

func TestDeployPartitionImageHookFailureTearsDown(t *testing.T) {
	fake := shelltest.NewFakeRunner()
	m, notified := newTestManager(fake)
	var events []string
	prov := &scriptedDisk{events: &events, uuid: "abcd-1234"}

	_, err := m.DeployPartitionImage(context.Background(), prov, testTarget(),
		disk.DeployOptions{NodeID: "node-1"}, func(rootUUID string) error {
			return errors.New("config rewrite failed")
		})
	if err == nil {
		t.Fatal("hook failure not surfaced")
	}
	if !fake.Ran("--logout") || !fake.Ran("-o delete") {
		t.Errorf("teardown missing after hook failure; ran %v", fake.Commands)
	}
	if *notified != 0 {
		t.Errorf("notified %d times after failed deploy", *notified)
	}
}

func TestDeployDiskImage(t *testing.T) {
	fake := shelltest.NewFakeRunner()
	m, notified := newTestManager(fake)
	var events []string
	prov := &scriptedDisk{events: &events}

	if err := m.DeployDiskImage(context.Background(), prov, testTarget(), "/img/disk", "node-1"); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if len(events) != 1 || events[0] != "write-to-disk" {
		t.Errorf("events = %v", events)
	}
	if *notified != 1 {
		t.Errorf("notified %d times", *notified)
	}
}
