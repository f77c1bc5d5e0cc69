package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/voyagen/iptvgate/internal/cache"
	"github.com/voyagen/iptvgate/internal/config"
	"github.com/voyagen/iptvgate/internal/drm"
	"github.com/voyagen/iptvgate/internal/fetcher"
	"github.com/voyagen/iptvgate/internal/httpx"
	"github.com/voyagen/iptvgate/internal/log"
	"github.com/voyagen/iptvgate/internal/obfuscate"
	"github.com/voyagen/iptvgate/internal/proxy"
	"github.com/voyagen/iptvgate/internal/server"
	"github.com/voyagen/iptvgate/internal/service"
	"github.com/voyagen/iptvgate/internal/store"
)

// mirrorTTL keeps the shared snapshot around long enough for a cold
// instance to start while upstream is down.
const mirrorTTL = 24 * time.Hour

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "encode", "decode":
			if err := runCodec(os.Args[1], os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
				os.Exit(1)
			}
			return
		case "purge":
			if err := runPurge(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "purge: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	configPath := flag.String("config", "", "Optional config file path (YAML); else use env PLAYLIST_PAYLOAD_URL")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "iptvgate"})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		mirror  service.Mirror
		sinks   []service.Sink
		archive store.Archive
	)

	// Connect to Redis if REDIS_URL is configured.
	if cfg.RedisURL != "" {
		rds, err := cache.New(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer rds.Close()
		if err := rds.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Msg("redis ping")
		}
		mirror = cache.NewSnapshotMirror(rds, mirrorTTL).WithPrefix(cfg.RedisPrefix)
		logger.Info().Str("prefix", cfg.RedisPrefix).Msg("redis connected (snapshot mirror enabled)")
	} else {
		logger.Info().Msg("redis disabled (REDIS_URL not set)")
	}

	// Archive every refresh in Postgres if DATABASE_URL is configured.
	if cfg.DatabaseURL != "" {
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migrate")
		}
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("db")
		}
		defer pg.Close()
		pg.SetRetention(cfg.ArchiveRetention)
		sinks = append(sinks, pg)
		archive = pg
		logger.Info().Msg("postgres connected (snapshot archive enabled)")
	}

	if cfg.DataDir != "" {
		f, err := store.NewFile(cfg.DataDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("data dir")
		}
		sinks = append(sinks, f)
		logger.Info().Str("path", f.Path()).Msg("snapshot file enabled")
	}

	src := fetcher.New(fetcher.Config{
		ListingURL:      cfg.ListingURL,
		PayloadURL:      cfg.PayloadURL,
		Categories:      cfg.Categories,
		UserAgent:       cfg.UserAgent,
		Timeout:         cfg.Timeout,
		MaxOffset:       cfg.ScanMaxOffset,
		PreferredOffset: cfg.ScanPreferredOffset,
	})
	playlist := service.New(service.Options{
		Fetch:          src.FetchAll,
		TTL:            cfg.CacheTTL,
		RefreshTimeout: 2 * cfg.Timeout,
		Mirror:         mirror,
		Sinks:          sinks,
	})
	if snap := playlist.Warm(ctx); snap == nil {
		// Prime the cache so the first client does not wait on upstream.
		// A failure here is not fatal; the first request retries.
		if _, err := playlist.Get(ctx, false); err != nil {
			logger.Warn().Err(err).Msg("initial playlist fetch failed")
		}
	}
	defer playlist.Wait()

	px := proxy.New(proxy.Config{
		PublicBaseURL:    cfg.PublicBaseURL,
		Policy:           cfg.Policy(),
		Client:           httpx.NewStreamingClient(cfg.UpstreamTimeout),
		MaxManifestBytes: cfg.MaxManifestBytes,
		ManifestTimeout:  cfg.UpstreamTimeout,
	})

	srv := server.New(server.Options{
		Addr:         cfg.Addr(),
		Playlist:     playlist,
		Archive:      archive,
		Proxy:        px.Routes(),
		License:      drm.NewHandler(),
		RateLimitRPM: cfg.RateLimitRPM,
	})
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error().Err(err).Msg("server")
		os.Exit(1)
	}
	logger.Info().Msg("shut down")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// runPurge drops the shared snapshot and refresh lock from Redis, forcing
// every instance back to upstream on its next refresh.
func runPurge(args []string) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	configPath := fs.String("config", "", "Optional config file path (YAML)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.RedisURL == "" {
		return fmt.Errorf("REDIS_URL not set")
	}
	rds, err := cache.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rds.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cache.NewSnapshotMirror(rds, mirrorTTL).WithPrefix(cfg.RedisPrefix).Purge(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "shared snapshot purged")
	return nil
}

// runCodec encodes or decodes its argument, or stdin when the argument
// is "-" or missing. Useful for inspecting upstream payloads by hand.
func runCodec(mode string, args []string) error {
	var in string
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		in = strings.TrimRight(string(b), "\r\n")
	} else {
		in = args[0]
	}
	switch mode {
	case "encode":
		fmt.Println(obfuscate.Encode(in))
	case "decode":
		if res, ok := obfuscate.Recover(in); ok {
			fmt.Fprintf(os.Stderr, "payload found at offset %d\n", res.Offset)
			fmt.Println(res.JSON)
			return nil
		}
		out := obfuscate.Decode(in)
		if out == "" {
			return fmt.Errorf("input is not decodable")
		}
		fmt.Println(out)
	}
	return nil
}
