package nodestore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nodes.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testNode() *Node {
	return &Node{
		UUID:           "1be26c0b-03f2-4d2e-ae87-c02d7f33c123",
		MAC:            "00:11:22:33:44:55",
		ProvisionState: StateAvailable,
		PowerState:     PowerOff,
		Instance: InstanceInfo{
			ImageID: "glance://deploy",
			RootMB:  20480,
			SwapMB:  1024,
		},
		Driver: DriverInfo{
			DeployKernelID:  "glance://kernel",
			DeployRamdiskID: "glance://ramdisk",
		},
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	n := testNode()
	if err := s.Create(n); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.Get(n.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MAC != n.MAC || got.ProvisionState != StateAvailable {
		t.Errorf("got %+v", got)
	}
	if got.Instance.RootMB != 20480 || got.Instance.SwapMB != 1024 {
		t.Errorf("instance info lost: %+v", got.Instance)
	}
	if got.Driver.DeployKernelID != "glance://kernel" {
		t.Errorf("driver info lost: %+v", got.Driver)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSavePersistsStateChange(t *testing.T) {
	s := openTestStore(t)
	n := testNode()
	if err := s.Create(n); err != nil {
		t.Fatalf("create: %v", err)
	}
	n.ProvisionState = StateDeployWait
	n.DeployKey = "ABCDEF"
	if err := s.Save(n); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Get(n.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProvisionState != StateDeployWait || got.DeployKey != "ABCDEF" {
		t.Errorf("state not persisted: %+v", got)
	}
}

func TestSaveMissing(t *testing.T) {
	s := openTestStore(t)
	n := testNode()
	if err := s.Save(n); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	s := openTestStore(t)
	a := testNode()
	b := testNode()
	b.UUID = "2be26c0b-03f2-4d2e-ae87-c02d7f33c456"
	for _, n := range []*Node{a, b} {
		if err := s.Create(n); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	uuids, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(uuids) != 2 {
		t.Fatalf("want 2 nodes, got %v", uuids)
	}
}

func TestExclusiveLockBlocksSecondHolder(t *testing.T) {
	s := openTestStore(t)
	n := testNode()
	if err := s.Create(n); err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err := s.Acquire(context.Background(), n.UUID, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(ctx, n.UUID, false); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second exclusive acquire: want deadline exceeded, got %v", err)
	}
	task.Release()
	task2, err := s.Acquire(context.Background(), n.UUID, false)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	task2.Release()
}

func TestSharedHoldersCoexist(t *testing.T) {
	s := openTestStore(t)
	n := testNode()
	if err := s.Create(n); err != nil {
		t.Fatalf("create: %v", err)
	}
	a, err := s.Acquire(context.Background(), n.UUID, true)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	b, err := s.Acquire(context.Background(), n.UUID, true)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	a.Release()
	b.Release()
}

func TestSharedTaskRefusesSave(t *testing.T) {
	s := openTestStore(t)
	n := testNode()
	if err := s.Create(n); err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err := s.Acquire(context.Background(), n.UUID, true)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer task.Release()
	if err := task.Save(); err == nil {
		t.Fatal("save on shared task should fail")
	}
}

func TestUpgradeLockReloadsNode(t *testing.T) {
	s := openTestStore(t)
	n := testNode()
	if err := s.Create(n); err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err := s.Acquire(context.Background(), n.UUID, true)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer task.Release()

	// Another writer changes the record while the shared hold is out.
	n.LastError = "changed elsewhere"
	if err := s.Save(n); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := task.UpgradeLock(context.Background()); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if task.Node.LastError != "changed elsewhere" {
		t.Errorf("node not reloaded after upgrade: %+v", task.Node)
	}
	task.Node.ProvisionState = StateActive
	if err := task.Save(); err != nil {
		t.Fatalf("save after upgrade: %v", err)
	}
}

func TestUpgradeWaitsForReaders(t *testing.T) {
	s := openTestStore(t)
	n := testNode()
	if err := s.Create(n); err != nil {
		t.Fatalf("create: %v", err)
	}
	a, err := s.Acquire(context.Background(), n.UUID, true)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	b, err := s.Acquire(context.Background(), n.UUID, true)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	upgraded := make(chan error, 1)
	go func() {
		defer wg.Done()
		upgraded <- a.UpgradeLock(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-upgraded:
		t.Fatalf("upgrade finished while reader held: %v", err)
	default:
	}
	b.Release()
	wg.Wait()
	if err := <-upgraded; err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	a.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	s := openTestStore(t)
	n := testNode()
	if err := s.Create(n); err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err := s.Acquire(context.Background(), n.UUID, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	task.Release()
	task.Release()
	task2, err := s.Acquire(context.Background(), n.UUID, false)
	if err != nil {
		t.Fatalf("acquire after double release: %v", err)
	}
	task2.Release()
}
