package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"metaldeployd/internal/bootcfg"
	"metaldeployd/internal/config"
	"metaldeployd/internal/disk"
	"metaldeployd/internal/imagecache"
	"metaldeployd/internal/imageservice"
	"metaldeployd/internal/iscsi"
	"metaldeployd/internal/metrics"
	"metaldeployd/internal/nodestore"
	"metaldeployd/internal/provision"
	"metaldeployd/internal/server"
	"metaldeployd/internal/shell"
)

// cacheSweepSchedule runs the TTL sweep hourly; entries live for the
// configured TTL regardless, the sweep only bounds how stale the dirs get.
const cacheSweepSchedule = "@hourly"

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "metaldeployd: %v\n", err)
		os.Exit(1)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log := zerolog.New(os.Stderr).Level(cfg.LogLevel).With().Timestamp().Logger()

	store, err := nodestore.Open(cfg.NodeDBPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("opening node store")
	}
	defer store.Close()

	meta := imageservice.NewHTTPClient(cfg.ImageServiceURL, cfg.ImageServiceToken)
	instanceCache := imagecache.New("instance", cfg.InstanceMasterDir(),
		cfg.ImageCacheSize, cfg.ImageCacheTTL, meta, log)
	bootCache := imagecache.New("boot", cfg.BootMasterDir(),
		cfg.ImageCacheSize, cfg.ImageCacheTTL, meta, log)
	for _, dir := range []string{instanceCache.MasterDir, bootCache.MasterDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("creating cache dir")
		}
	}
	caches := imagecache.NewCacheSet(instanceCache, bootCache, meta, log)
	metrics.RegisterCacheDirUsage("instance", instanceCache.MasterDir)
	metrics.RegisterCacheDirUsage("boot", bootCache.MasterDir)

	runner := shell.NewRetryRunner(&shell.ExecRunner{},
		cfg.CommandAttempts, cfg.CommandRetryDelay, clock.WallClock, log)
	sessions := iscsi.NewSessionManager(runner, clock.WallClock,
		cfg.ISCSISettleDelay, cfg.NotifyPort, log)
	sessions.Pacer = shell.NewPacer(time.Second, clock.WallClock)
	prov := disk.NewProvisioner(runner, log)

	layout := bootcfg.Layout{TFTPRoot: cfg.TFTPRoot, ImagesRoot: cfg.ImagesRoot}
	coord := provision.NewCoordinator(store, caches, sessions, prov, layout,
		cfg.EphemeralFormat, log)

	cr := cron.New()
	if err := coord.RegisterCacheSweep(cr, cacheSweepSchedule); err != nil {
		log.Fatal().Err(err).Msg("scheduling cache sweep")
	}
	cr.Start()
	defer cr.Stop()

	handler := server.NewHandler(store, coord, log)
	addr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)
	log.Info().Str("addr", addr).Msg("metaldeployd listening")
	if err := http.ListenAndServe(addr, handler.Router()); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
