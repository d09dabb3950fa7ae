// Package imagecache implements the content-addressed artifact caches shared
// by all node deploys. Each cache owns a master store; per-node directories
// hold hard links into it, so an artifact is downloaded once and a master
// entry becomes evictable when no link besides the master's own remains.
package imagecache

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"metaldeployd/internal/imageservice"
	"metaldeployd/internal/metrics"
)

// Cache is one master store with its eviction policy knobs.
type Cache struct {
	Name      string
	MasterDir string
	// SizeLimit is the retained size the policy sweep trims towards; zero
	// means keep nothing that is unreferenced.
	SizeLimit int64
	TTL       time.Duration
	Client    imageservice.Client
	Log       zerolog.Logger

	// cleanMu serializes whole-cache eviction; keyMu serializes fetches of
	// the same identifier so concurrent deploys never double-download.
	cleanMu sync.Mutex
	keysMu  sync.Mutex
	keys    map[string]*sync.Mutex
}

func New(name, masterDir string, sizeLimit int64, ttl time.Duration, client imageservice.Client, log zerolog.Logger) *Cache {
	return &Cache{
		Name:      name,
		MasterDir: masterDir,
		SizeLimit: sizeLimit,
		TTL:       ttl,
		Client:    client,
		Log:       log.With().Str("cache", name).Logger(),
		keys:      make(map[string]*sync.Mutex),
	}
}

func (c *Cache) keyLock(id string) *sync.Mutex {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	mu, ok := c.keys[id]
	if !ok {
		mu = &sync.Mutex{}
		c.keys[id] = mu
	}
	return mu
}

// MasterPath returns the master store entry path for an identifier. The
// identifier is opaque; it is only escaped to make a safe file name.
func (c *Cache) MasterPath(id string) string {
	return filepath.Join(c.MasterDir, url.PathEscape(id))
}

// FetchImage materializes the artifact at dest as a hard link into the
// master store, downloading the master entry only if it is absent.
func (c *Cache) FetchImage(ctx context.Context, id, dest string) error {
	mu := c.keyLock(id)
	mu.Lock()
	defer mu.Unlock()

	master := c.MasterPath(id)
	if _, err := os.Stat(master); err == nil {
		// Bump the access stamp so LRU eviction sees the reuse.
		now := time.Now()
		_ = os.Chtimes(master, now, now)
		metrics.CacheFetchesTotal.WithLabelValues(c.Name, "hit").Inc()
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat master entry %s: %w", master, err)
	} else {
		if err := c.download(ctx, id, master); err != nil {
			return err
		}
		metrics.CacheFetchesTotal.WithLabelValues(c.Name, "miss").Inc()
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create destination dir for %s: %w", dest, err)
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace destination %s: %w", dest, err)
	}
	if err := os.Link(master, dest); err != nil {
		return fmt.Errorf("link %s into %s: %w", master, dest, err)
	}
	return nil
}

func (c *Cache) download(ctx context.Context, id, master string) error {
	if err := os.MkdirAll(c.MasterDir, 0o755); err != nil {
		return fmt.Errorf("create master dir %s: %w", c.MasterDir, err)
	}
	tmp, err := os.CreateTemp(c.MasterDir, ".download-*")
	if err != nil {
		return fmt.Errorf("create download temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if err := c.Client.Download(ctx, id, tmp); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close download %s: %w", tmp.Name(), err)
	}
	// Rename keeps a crashed download from ever looking like a master entry.
	if err := os.Rename(tmp.Name(), master); err != nil {
		return fmt.Errorf("publish master entry %s: %w", master, err)
	}
	c.Log.Info().Str("image", id).Msg("downloaded image into master store")
	return nil
}

type entry struct {
	path  string
	size  int64
	mtime time.Time
	nlink uint64
}

func (c *Cache) entries() ([]entry, error) {
	dirents, err := os.ReadDir(c.MasterDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read master dir %s: %w", c.MasterDir, err)
	}
	var out []entry
	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(c.MasterDir, de.Name())
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			continue
		}
		out = append(out, entry{
			path:  path,
			size:  st.Size,
			mtime: time.Unix(st.Mtim.Unix()),
			nlink: uint64(st.Nlink),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].mtime.Before(out[j].mtime) })
	return out, nil
}

// CleanUp evicts unreferenced master entries oldest-access-first. A positive
// amount frees at least that many bytes (or as much as possible); amount <= 0
// runs the policy sweep instead: drop entries past TTL, then trim towards
// SizeLimit. Entries with extra hard links are always kept, something still
// references them.
func (c *Cache) CleanUp(ctx context.Context, amount int64) error {
	c.cleanMu.Lock()
	defer c.cleanMu.Unlock()

	entries, err := c.entries()
	if err != nil {
		return err
	}

	var freed int64
	evict := func(e entry) bool {
		if err := os.Remove(e.path); err != nil {
			c.Log.Warn().Err(err).Str("path", e.path).Msg("failed to evict cache entry")
			return false
		}
		freed += e.size
		metrics.CacheEvictionsTotal.WithLabelValues(c.Name).Inc()
		metrics.CacheEvictedBytes.WithLabelValues(c.Name).Add(float64(e.size))
		return true
	}

	if amount > 0 {
		for _, e := range entries {
			if freed >= amount {
				break
			}
			if e.nlink > 1 {
				continue
			}
			evict(e)
		}
		c.Log.Info().Str("freed", humanize.IBytes(uint64(freed))).
			Str("requested", humanize.IBytes(uint64(amount))).Msg("cache eviction pass done")
		if freed < amount {
			c.Log.Warn().Int64("short_bytes", amount-freed).Msg("eviction freed less than requested")
		}
		return nil
	}

	// Policy sweep: TTL first, then retained-size trim. SizeLimit zero means
	// unreferenced entries are never retained.
	now := time.Now()
	var total int64
	for _, e := range entries {
		total += e.size
	}
	for _, e := range entries {
		if e.nlink > 1 {
			continue
		}
		expired := c.TTL > 0 && now.Sub(e.mtime) > c.TTL
		if (expired || total > c.SizeLimit) && evict(e) {
			total -= e.size
		}
	}
	if freed > 0 {
		c.Log.Info().Str("freed", humanize.IBytes(uint64(freed))).Msg("cache policy sweep done")
	}
	return nil
}
