package iscsi

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"metaldeployd/internal/shell"
	"metaldeployd/internal/shell/shelltest"
)

func testTarget() Target {
	return Target{Address: "10.0.0.5", Port: 3260, IQN: "iqn.2008-10.org.openstack:node-1", LUN: 1}
}

func newTestManager(fake *shelltest.FakeRunner) (*SessionManager, *int) {
	runner := shell.NewRetryRunner(fake, 1, 0, clock.WallClock, zerolog.Nop())
	m := NewSessionManager(runner, clock.WallClock, 0, 10000, zerolog.Nop())
	notified := 0
	m.notify = func(address string, port int) error {
		notified++
		return nil
	}
	return m, &notified
}

func TestDevicePath(t *testing.T) {
	got := testTarget().DevicePath()
	want := "/dev/disk/by-path/ip-10.0.0.5:3260-iscsi-iqn.2008-10.org.openstack:node-1-lun-1"
	if got != want {
		t.Errorf("DevicePath = %q, want %q", got, want)
	}
}

func TestWithDeviceSuccess(t *testing.T) {
	fake := shelltest.NewFakeRunner()
	m, notified := newTestManager(fake)

	var gotDev string
	err := m.WithDevice(context.Background(), testTarget(), func(dev string) error {
		gotDev = dev
		return nil
	})
	if err != nil {
		t.Fatalf("WithDevice: %v", err)
	}
	if gotDev != testTarget().DevicePath() {
		t.Errorf("dev = %q", gotDev)
	}

	wantOrder := []string{"discovery", "--login", "--logout", "-o delete"}
	idx := -1
	for _, marker := range wantOrder {
		found := -1
		for i, c := range fake.Commands {
			if strings.Contains(c, marker) {
				found = i
				break
			}
		}
		if found < 0 {
			t.Fatalf("command with %q missing; ran %v", marker, fake.Commands)
		}
		if found <= idx {
			t.Errorf("command %q ran out of order; ran %v", marker, fake.Commands)
		}
		idx = found
	}
	if *notified != 1 {
		t.Errorf("notify count = %d, want 1", *notified)
	}
}

func TestWithDeviceTeardownOnBodyFailure(t *testing.T) {
	fake := shelltest.NewFakeRunner()
	m, notified := newTestManager(fake)

	bodyErr := errors.New("mid-pipeline failure")
	err := m.WithDevice(context.Background(), testTarget(), func(string) error {
		return bodyErr
	})
	if !errors.Is(err, bodyErr) {
		t.Fatalf("err = %v, want the body error", err)
	}
	if fake.CountRan("--logout") != 1 {
		t.Error("logout must run exactly once on failure")
	}
	if fake.CountRan("-o delete") != 1 {
		t.Error("delete must run exactly once on failure")
	}
	if *notified != 0 {
		t.Error("notify must not run after a failed deploy")
	}
}

func TestWithDeviceDiscoveryFailure(t *testing.T) {
	fake := shelltest.NewFakeRunner()
	fake.AddResult("iscsiadm -m discovery -t st -p 10.0.0.5:3260",
		shelltest.FakeResult{Code: 1, Stderr: "connection refused"})
	m, notified := newTestManager(fake)

	err := m.WithDevice(context.Background(), testTarget(), func(string) error {
		t.Fatal("body must not run when discovery fails")
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "discovery") {
		t.Fatalf("err = %v, want discovery error", err)
	}
	if fake.Ran("--logout") || fake.Ran("-o delete") {
		t.Error("no teardown before login has succeeded")
	}
	if *notified != 0 {
		t.Error("no notify on failure")
	}
}

func TestDeleteTreatsNoSuchTargetAsSuccess(t *testing.T) {
	fake := shelltest.NewFakeRunner()
	fake.AddResult(
		"iscsiadm -m node -p 10.0.0.5:3260 -T iqn.2008-10.org.openstack:node-1 -o delete",
		shelltest.FakeResult{Code: noSuchTargetCode, Stderr: "no records found"})
	m, notified := newTestManager(fake)

	err := m.WithDevice(context.Background(), testTarget(), func(string) error { return nil })
	if err != nil {
		t.Fatalf("WithDevice: %v (exit %d must count as deleted)", err, noSuchTargetCode)
	}
	if *notified != 1 {
		t.Error("clean teardown should still notify")
	}
}

func TestWithDeviceRetriesCommands(t *testing.T) {
	fake := shelltest.NewFakeRunner()
	fake.AddResult("iscsiadm -m discovery -t st -p 10.0.0.5:3260",
		shelltest.FakeResult{Code: 1, Stderr: "transient"})
	fake.AddResult("iscsiadm -m discovery -t st -p 10.0.0.5:3260",
		shelltest.FakeResult{Code: 0})

	runner := shell.NewRetryRunner(fake, 5, 0, clock.WallClock, zerolog.Nop())
	m := NewSessionManager(runner, clock.WallClock, 0, 10000, zerolog.Nop())
	m.notify = func(string, int) error { return nil }

	if err := m.WithDevice(context.Background(), testTarget(), func(string) error { return nil }); err != nil {
		t.Fatalf("WithDevice: %v", err)
	}
	if got := fake.CountRan("discovery"); got != 2 {
		t.Errorf("discovery attempts = %d, want 2 (one retry)", got)
	}
}
