// Command onepad runs the collaborative pad server: one shared document,
// many editors over websocket.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onepad/onepad/pkg/archive"
	"github.com/onepad/onepad/pkg/config"
	"github.com/onepad/onepad/pkg/document"
	"github.com/onepad/onepad/pkg/imageproc"
	"github.com/onepad/onepad/pkg/metrics"
	"github.com/onepad/onepad/pkg/persist"
	"github.com/onepad/onepad/pkg/server"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// shutdownTimeout is the absolute ceiling on graceful exit. Past it the
// process force-exits with status 1.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithField("err", err).Error("server exited")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:           "onepad",
		Short:         "Collaborative pad server for a single shared document",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.Int("port", 3000, "HTTP listen port")
	flags.String("doc", "doc.txt", "path of the persisted document")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	v.BindPFlag("port", flags.Lookup("port"))
	v.BindPFlag("doc_path", flags.Lookup("doc"))
	v.BindPFlag("log_level", flags.Lookup("log-level"))

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	return cmd
}

func run(cfg *config.Config) error {
	setupLogging(cfg)

	log.WithFields(log.Fields{
		"version": version,
		"port":    cfg.Port,
		"doc":     cfg.DocPath,
	}).Info("starting onepad")

	store := document.New(cfg.DocPath, cfg.MaxDocBytes())
	if err := store.Load(); err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	m := metrics.New()
	m.SetDocumentBytes(len(store.Snapshot()))

	var arch *archive.Archive
	if cfg.SQLiteURI != "" {
		var err error
		arch, err = archive.New(cfg.SQLiteURI)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer arch.Close()
		log.WithField("uri", cfg.SQLiteURI).Info("snapshot archive enabled")
	}

	// The typed nil matters here: handing a nil *Archive straight to New
	// would produce a non-nil Archiver interface.
	var archiver persist.Archiver
	if arch != nil {
		archiver = arch
	}
	sched := persist.New(store, archiver, cfg.SaveInterval(), m)
	sched.Start()

	pool := imageproc.NewPool(imageproc.Config{
		MaxBytes:     cfg.MaxImageBytes(),
		MaxDimension: cfg.ImageMaxDimension,
		JPEGQuality:  cfg.ImageJPEGQuality,
		Workers:      cfg.ImageWorkers,
		QueueSize:    4 * cfg.ImageWorkers,
	}, m)
	pool.Start()

	registry := server.NewRegistry()
	pad := server.NewOnepad(store, registry, pool, sched, m)

	srv, err := server.New(cfg, pad)
	if err != nil {
		return err
	}

	var ops *http.Server
	if cfg.MetricsPort > 0 {
		ops = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           server.NewOpsHandler(m, store, registry, arch),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.ListenAndServe)

	if ops != nil {
		g.Go(func() error {
			log.WithField("addr", ops.Addr).Info("metrics listening")
			if err := ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return shutdown(srv, ops, pad, sched, pool)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// shutdown runs the ordered exit sequence: stop the save timers, write one
// final snapshot, warn and close every client, then close the listeners.
func shutdown(srv *server.Server, ops *http.Server, pad *server.Onepad, sched *persist.Scheduler, pool *imageproc.Pool) error {
	log.Info("shutdown signal received")

	timer := time.AfterFunc(shutdownTimeout, func() {
		log.Error("shutdown deadline exceeded, forcing exit")
		os.Exit(1)
	})
	defer timer.Stop()

	sched.Stop()
	if err := sched.Flush(); err != nil {
		log.WithField("err", err).Error("final save failed")
	}

	pad.Shutdown("server is shutting down")
	pool.Stop(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if ops != nil {
		if err := ops.Shutdown(ctx); err != nil {
			log.WithField("err", err).Warn("metrics listener close failed")
		}
	}
	return srv.Shutdown(ctx)
}

// setupLogging configures the process-wide logger from config.
func setupLogging(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
		log.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
	}
	log.SetLevel(level)
}
