package imagecache

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"metaldeployd/internal/imageservice"
)

// fakeClient serves a fixed artifact size and counts downloads.
type fakeClient struct {
	size      int64
	downloads int
}

func (f *fakeClient) Show(_ context.Context, id string) (imageservice.ImageInfo, error) {
	return imageservice.ImageInfo{ID: id, Size: f.size}, nil
}

func (f *fakeClient) Download(_ context.Context, _ string, w io.Writer) error {
	f.downloads++
	_, err := w.Write(make([]byte, f.size))
	return err
}

type evictCall struct {
	cache  string
	amount int64
}

// scriptedSet builds a CacheSet whose statvfs readings and filesystem device
// identities are scripted, recording eviction requests instead of deleting
// real files.
func scriptedSet(t *testing.T, client *fakeClient, freeSeq []int64, devs map[string]uint64) (*CacheSet, *[]evictCall) {
	t.Helper()
	dir := t.TempDir()
	instance := New("instance", filepath.Join(dir, "instance_master"), 0, time.Hour, client, zerolog.Nop())
	boot := New("boot", filepath.Join(dir, "boot_master"), 0, time.Hour, client, zerolog.Nop())
	set := NewCacheSet(instance, boot, client, zerolog.Nop())

	i := 0
	set.freeBytes = func(string) (int64, error) {
		if i >= len(freeSeq) {
			return freeSeq[len(freeSeq)-1], nil
		}
		v := freeSeq[i]
		i++
		return v, nil
	}
	set.fsDevice = func(d string) (uint64, error) { return devs[d], nil }

	calls := &[]evictCall{}
	set.cleanUp = func(_ context.Context, c *Cache, amount int64) error {
		*calls = append(*calls, evictCall{cache: c.Name, amount: amount})
		return nil
	}
	return set, calls
}

func fetchItems() []FetchItem {
	return []FetchItem{{ID: "scheme://uuid", Dest: "ignored"}}
}

func TestFetchAllNoCleanUp(t *testing.T) {
	client := &fakeClient{size: 42}
	set, calls := scriptedSet(t, client, []int64{1024}, nil)

	item := FetchItem{ID: "scheme://uuid", Dest: filepath.Join(t.TempDir(), "disk")}
	if err := set.FetchAll(context.Background(), set.Instance, []FetchItem{item}); err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(*calls) != 0 {
		t.Errorf("no eviction expected, got %v", *calls)
	}
	if client.downloads != 1 {
		t.Errorf("downloads = %d, want 1", client.downloads)
	}
}

func TestFetchAllOneCleanUp(t *testing.T) {
	// 42-byte artifact, 1 byte free: one eviction on the same-filesystem
	// cache requesting 2*42-1 = 83, then the re-check passes.
	client := &fakeClient{size: 42}
	set, calls := scriptedSet(t, client, []int64{1, 1024}, nil)
	// all dirs on the same device
	set.fsDevice = func(string) (uint64, error) { return 1, nil }

	item := FetchItem{ID: "scheme://uuid", Dest: filepath.Join(t.TempDir(), "disk")}
	if err := set.FetchAll(context.Background(), set.Instance, []FetchItem{item}); err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	want := []evictCall{{cache: "instance", amount: 83}}
	if len(*calls) != 1 || (*calls)[0] != want[0] {
		t.Errorf("evictions = %v, want %v", *calls, want)
	}
	if client.downloads != 1 {
		t.Errorf("downloads = %d, want 1", client.downloads)
	}
}

func TestFetchAllCleanUpOtherFilesystemFirst(t *testing.T) {
	// The fetching (instance) cache's master dir is on device 1 together with
	// the boot cache; a foreign instance master dir would sort last. Here the
	// boot cache shares the device, so it is evicted first and alone.
	client := &fakeClient{size: 42}
	set, calls := scriptedSet(t, client, []int64{1, 1024}, nil)
	set.fsDevice = func(d string) (uint64, error) {
		switch d {
		case set.Instance.MasterDir:
			return 2, nil
		default:
			return 1, nil
		}
	}

	item := FetchItem{ID: "scheme://uuid", Dest: filepath.Join(t.TempDir(), "disk")}
	if err := set.FetchAll(context.Background(), set.Boot, []FetchItem{item}); err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(*calls) != 1 || (*calls)[0].cache != "boot" || (*calls)[0].amount != 83 {
		t.Errorf("evictions = %v, want one boot eviction of 83", *calls)
	}
}

func TestFetchAllBothCleanUp(t *testing.T) {
	// First eviction leaves 2 bytes free, so the second cache is asked for
	// 2*42-2 = 82 per the new statvfs reading.
	client := &fakeClient{size: 42}
	set, calls := scriptedSet(t, client, []int64{1, 2, 1024}, nil)
	set.fsDevice = func(string) (uint64, error) { return 1, nil }

	item := FetchItem{ID: "scheme://uuid", Dest: filepath.Join(t.TempDir(), "disk")}
	if err := set.FetchAll(context.Background(), set.Instance, []FetchItem{item}); err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	want := []evictCall{{cache: "instance", amount: 83}, {cache: "boot", amount: 82}}
	if len(*calls) != 2 || (*calls)[0] != want[0] || (*calls)[1] != want[1] {
		t.Errorf("evictions = %v, want %v", *calls, want)
	}
}

func TestFetchAllCleanUpFails(t *testing.T) {
	// Space never shows up: both caches evicted once, then a fatal error
	// without any download.
	client := &fakeClient{size: 42}
	set, calls := scriptedSet(t, client, []int64{1, 1, 1}, nil)
	set.fsDevice = func(string) (uint64, error) { return 1, nil }

	err := set.FetchAll(context.Background(), set.Instance, fetchItems())
	var ise *InsufficientSpaceError
	if !errors.As(err, &ise) {
		t.Fatalf("err = %v, want InsufficientSpaceError", err)
	}
	if ise.Needed != 42 || ise.Available != 1 {
		t.Errorf("needed/available = %d/%d, want 42/1", ise.Needed, ise.Available)
	}
	want := []evictCall{{cache: "instance", amount: 83}, {cache: "boot", amount: 83}}
	if len(*calls) != 2 || (*calls)[0] != want[0] || (*calls)[1] != want[1] {
		t.Errorf("evictions = %v, want %v", *calls, want)
	}
	if client.downloads != 0 {
		t.Errorf("downloads = %d, want 0", client.downloads)
	}
}
