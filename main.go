package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/cheggaaa/pb/v3"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"Fast-TileServer/internal/cache"
	"Fast-TileServer/internal/config"
	"Fast-TileServer/internal/mbtiles"
	"Fast-TileServer/internal/server"
	"Fast-TileServer/internal/source"
)

//flag
var (
	hf bool
	cf string
)

func init() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&cf, "c", "conf.toml", "set config `file`")
	flag.Usage = usage
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `Fast-TileServer version: Fast-TileServer/1.0
Usage: Fast-TileServer [-h] [-c filename]
`)
	flag.PrintDefaults()
}

//initLog 同时写日志文件和屏幕
func initLog(cfg *config.Config) {
	writers := []io.Writer{os.Stdout}
	if cfg.Log.File != "" {
		file, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			log.Warnf("failed to log to file(%s): %s", cfg.Log.File, err)
		} else {
			writers = append(writers, file)
		}
	}
	log.SetOutput(io.MultiWriter(writers...))
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warnf("unknown log level %q, using info", cfg.Log.Level)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

// openArchive opens the archive a data source points at.
func openArchive(cfg *config.Config) source.Opener {
	return func(ctx context.Context, def source.ConcreteDef) (source.Archive, error) {
		return mbtiles.Open(ctx, mbtiles.Options{
			Driver:       def.Driver,
			DSN:          def.DSN,
			MaxOpenConns: cfg.Sources.Parallel,
		})
	}
}

func loadSources(ctx context.Context, cfg *config.Config) (*source.Registry, error) {
	defs := cfg.Definitions()
	bar := pb.StartNew(len(defs.Concrete))
	defer bar.Finish()
	return source.Load(ctx, defs, source.Options{
		Opener:       openArchive(cfg),
		QueryTimeout: cfg.Sources.Timeout,
		Parallel:     cfg.Sources.Parallel,
		Strict:       cfg.Sources.Strict,
		OnConcrete: func(string, error) {
			bar.Increment()
		},
	})
}

func main() {
	flag.Parse()
	if hf {
		flag.Usage()
		return
	}
	if cf == "" {
		cf = "conf.toml"
	}
	cfg, err := config.Load(cf)
	if err != nil {
		log.Fatalf("config error ~ %s", err)
	}
	initLog(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	reg, err := loadSources(ctx, cfg)
	if err != nil {
		log.Fatalf("load sources error ~ %s", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Warnf("close sources error ~ %s", err)
		}
	}()
	log.Infof("sources loaded in %.3fs", time.Since(start).Seconds())

	var fetcher server.Fetcher = reg
	if cfg.Cache.Redis != "" {
		tc := cache.New(cache.NewPool(cfg.Cache.Redis, cfg.Cache.MaxIdle), reg, cfg.Cache.TTL, cfg.Cache.Prefix)
		defer tc.Close()
		fetcher = tc
		log.Infof("tile cache on redis %s, ttl %s", cfg.Cache.Redis, cfg.Cache.TTL)
	}

	if !log.IsLevelEnabled(log.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: server.New(reg, fetcher, server.Options{
			PublicURL: cfg.Server.PublicURL,
			Title:     cfg.App.Title,
			Version:   cfg.App.Version,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("%s %s listening on %s", cfg.App.Title, cfg.App.Version, cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("listen error ~ %s", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warnf("shutdown error ~ %s", err)
	}
}
