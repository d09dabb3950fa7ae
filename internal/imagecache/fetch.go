package imagecache

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"metaldeployd/internal/imageservice"
)

// InsufficientSpaceError reports that eviction of both caches could not free
// enough room for an artifact. It is fatal and never retried here.
type InsufficientSpaceError struct {
	Image     string
	Needed    int64
	Available int64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("not enough space to download image %s: need %d bytes, %d available after eviction",
		e.Image, e.Needed, e.Available)
}

// FetchItem pairs an artifact identifier with its destination path.
type FetchItem struct {
	ID   string
	Dest string
}

// CacheSet owns both cache instances so the cross-cache eviction policy has
// a single home. Eviction prefers whichever cache lives on the same
// filesystem as the fetching cache's master store, then falls back to the
// other one.
type CacheSet struct {
	Instance *Cache
	Boot     *Cache
	Meta     imageservice.Client
	Log      zerolog.Logger

	// test seams; production uses statfs/stat on the master directories and
	// real cache eviction
	freeBytes func(dir string) (int64, error)
	fsDevice  func(dir string) (uint64, error)
	cleanUp   func(ctx context.Context, c *Cache, amount int64) error
}

func NewCacheSet(instance, boot *Cache, meta imageservice.Client, log zerolog.Logger) *CacheSet {
	return &CacheSet{
		Instance:  instance,
		Boot:      boot,
		Meta:      meta,
		Log:       log,
		freeBytes: freeBytes,
		fsDevice:  fsDevice,
		cleanUp: func(ctx context.Context, c *Cache, amount int64) error {
			return c.CleanUp(ctx, amount)
		},
	}
}

// freeBytes returns the free space on the filesystem backing dir, in whole
// filesystem blocks.
func freeBytes(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return int64(st.Bavail) * st.Frsize, nil
}

func fsDevice(dir string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return 0, fmt.Errorf("stat %s: %w", dir, err)
	}
	return uint64(st.Dev), nil
}

// FetchAll ensures free space for each artifact (evicting under pressure)
// and fetches it through the given cache. The download never starts unless
// the space check has passed.
func (s *CacheSet) FetchAll(ctx context.Context, cache *Cache, items []FetchItem) error {
	for _, item := range items {
		info, err := s.Meta.Show(ctx, item.ID)
		if err != nil {
			return err
		}
		if err := s.ensureSpace(ctx, cache, item.ID, info.Size); err != nil {
			return err
		}
		if err := cache.FetchImage(ctx, item.ID, item.Dest); err != nil {
			return err
		}
	}
	return nil
}

// ensureSpace checks free space on the cache's master filesystem and evicts
// from the caches, same-filesystem first, until the artifact fits. The
// eviction request is 2*size - available so the cache keeps roughly one
// artifact's worth of headroom, not just the exact shortfall; tests pin this
// formula, change it deliberately or not at all.
func (s *CacheSet) ensureSpace(ctx context.Context, cache *Cache, id string, size int64) error {
	free, err := s.freeBytes(cache.MasterDir)
	if err != nil {
		return err
	}
	if free >= size {
		return nil
	}

	dev, err := s.fsDevice(cache.MasterDir)
	if err != nil {
		return err
	}
	candidates := []*Cache{s.Instance, s.Boot}
	sort.SliceStable(candidates, func(i, j int) bool {
		di, erri := s.fsDevice(candidates[i].MasterDir)
		dj, errj := s.fsDevice(candidates[j].MasterDir)
		return (erri == nil && di == dev) && !(errj == nil && dj == dev)
	})

	for _, c := range candidates {
		amount := 2*size - free
		s.Log.Info().Str("cache", c.Name).Str("image", id).Int64("amount", amount).
			Msg("insufficient space, evicting from cache")
		if err := s.cleanUp(ctx, c, amount); err != nil {
			return err
		}
		free, err = s.freeBytes(cache.MasterDir)
		if err != nil {
			return err
		}
		if free >= size {
			return nil
		}
	}
	return &InsufficientSpaceError{Image: id, Needed: size, Available: free}
}

// CleanUpAll runs the policy sweep on both caches; used by the periodic job
// and by the coordinator after every deploy attempt.
func (s *CacheSet) CleanUpAll(ctx context.Context) {
	for _, c := range []*Cache{s.Instance, s.Boot} {
		if err := s.cleanUp(ctx, c, 0); err != nil {
			s.Log.Warn().Err(err).Str("cache", c.Name).Msg("cache clean-up failed")
		}
	}
}
