package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sigtrap/olah/conf"
	"github.com/sigtrap/olah/contrib/config"
	"github.com/sigtrap/olah/contrib/config/provider/file"
	"github.com/sigtrap/olah/internal/chunkcache"
	"github.com/sigtrap/olah/internal/filehandler"
	"github.com/sigtrap/olah/internal/logutil"
	"github.com/sigtrap/olah/internal/metacache"
	"github.com/sigtrap/olah/internal/offlineguard"
	"github.com/sigtrap/olah/internal/policy"
	"github.com/sigtrap/olah/internal/upstream"
	"github.com/sigtrap/olah/server"
)

var (
	// flagConf is the config flag.
	flagConf string = "config.yaml"
	// flagVerbose is the verbose flag.
	flagVerbose bool

	// Version is the version of the app.
	Version string = "no-set"
	GitHash string = "no-set"
	Built   string = "0"
)

func init() {
	flag.StringVar(&flagConf, "c", "config.yaml", "config file path")
	flag.BoolVar(&flagVerbose, "v", false, "enable verbose log")

	prometheus.Unregister(collectors.NewGoCollector())
	registerer := prometheus.WrapRegistererWithPrefix("olah_", prometheus.DefaultRegisterer)
	registerer.MustRegister(collectors.NewGoCollector(collectors.WithGoCollectorMemStatsMetricsDisabled()))
}

func main() {
	flag.Parse()

	c := config.New[conf.Bootstrap](config.WithSource(file.NewSource(flagConf)))
	defer c.Close()

	bc := &conf.Bootstrap{}
	if err := c.Scan(bc); err != nil {
		fmt.Fprintln(os.Stderr, "olah: load config:", err)
		os.Exit(1)
	}

	level := bc.Logger.Level
	if flagVerbose {
		level = "debug"
	}
	if err := logutil.Init(logutil.Options{
		Level:       level,
		Filename:    bc.Logger.Path,
		MaxSizeMB:   bc.Logger.MaxSize,
		MaxBackups:  bc.Logger.MaxBackups,
		MaxAgeDays:  bc.Logger.MaxAge,
		Compress:    bc.Logger.Compress,
		Development: bc.Logger.Development,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "olah: init logger:", err)
		os.Exit(1)
	}
	log := logutil.NewHelper(nil)
	log.Infof("starting olah version=%s commit=%s built=%s", Version, GitHash, Built)

	c.Watch("bootstrap", func(_ string, nbc *conf.Bootstrap) {
		log.Infof("configuration reloaded")
	})

	flip, handler, err := newServices(bc)
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}

	if err := run(bc, flip, handler); err != nil {
		log.Fatalf("olah exited with error: %v", err)
	}
}

// newServices constructs the long-lived services (ChunkCache, MetaCache,
// PolicyEngine, UpstreamClient, OfflineGuard) and wires them into a
// FileHandler, mirroring the teacher's newApp service construction without
// the kratos app-lifecycle wrapper, which this retrieval never carried.
func newServices(bc *conf.Bootstrap) (*tableflip.Upgrader, *filehandler.Handler, error) {
	flip, err := tableflip.New(tableflip.Options{
		PIDFile:        bc.PidFile,
		UpgradeTimeout: 120 * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("tableflip: %w", err)
	}

	chunks, err := chunkcache.New(chunkcache.Config{
		ReposPath:        bc.Storage.ReposPath,
		DefaultBlockSize: uint64(bc.Storage.BlockSize),
		EvictionPolicy:   chunkcache.EvictionPolicy(bc.Storage.EvictionPolicy),
		MaxBytes:         bc.Storage.MaxBytes,
		ScanInterval:     bc.Storage.ScanInterval,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("chunkcache: %w", err)
	}

	meta, err := metacache.Open(bc.Storage.MetaPath)
	if err != nil {
		return nil, nil, fmt.Errorf("metacache: %w", err)
	}

	engine, err := policy.New(toRules(bc.Policy.Proxy), toRules(bc.Policy.Cache))
	if err != nil {
		return nil, nil, fmt.Errorf("policy: %w", err)
	}

	guard := offlineguard.New()
	if bc.Upstream.Offline {
		guard.SetOffline(offlineguard.ReasonManual)
	}

	client := upstream.New(upstream.Config{
		HubBaseURL: bc.Upstream.HFScheme + "://" + bc.Upstream.HFNetloc,
		LFSBaseURL: bc.Upstream.HFScheme + "://" + bc.Upstream.HFLFSNetloc,
		MaxRetries: bc.Upstream.MaxRetries,
		Timeout:    bc.Upstream.Timeout,
		Offline:    guard,
	})

	handler := &filehandler.Handler{
		Meta:     meta,
		Policy:   engine,
		Chunks:   chunks,
		Upstream: client,
		Offline:  guard,
		LFSBase:  bc.Upstream.LFSBasePath,
		Logger:   logutil.NewHelper(nil),
	}

	return flip, handler, nil
}

func toRules(in []conf.PolicyRule) []policy.Rule {
	out := make([]policy.Rule, len(in))
	for i, r := range in {
		out[i] = policy.Rule{Pattern: r.Pattern, IsRegex: r.Regex, Allow: r.Allow}
	}
	return out
}

// run starts the HTTP server and blocks until the process is asked to stop
// or re-exec, following the teacher's tableflip Ready/Upgrade/Exit
// lifecycle rather than routing it through a dropped app-framework layer.
func run(bc *conf.Bootstrap, flip *tableflip.Upgrader, handler *filehandler.Handler) error {
	defer flip.Stop()

	srv := server.NewServer(flip, bc, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	if err := flip.Ready(); err != nil {
		return fmt.Errorf("tableflip: ready: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	log := logutil.NewHelper(nil)
	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Infof("received SIGHUP, upgrading")
				if err := flip.Upgrade(); err != nil {
					log.Warnf("upgrade failed: %v", err)
				}
			default:
				log.Infof("received %s, shutting down", sig)
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
				err := srv.Stop(shutdownCtx)
				shutdownCancel()
				return err
			}
		case <-flip.Exit():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := srv.Stop(shutdownCtx)
			shutdownCancel()
			return err
		}
	}
}
