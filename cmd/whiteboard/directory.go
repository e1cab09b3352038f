package main

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hongjun500/whiteboard-go/internal/bus/redisstream"
	"github.com/hongjun500/whiteboard-go/internal/directory"
	"github.com/hongjun500/whiteboard-go/internal/discovery"
	"github.com/hongjun500/whiteboard-go/internal/observe"
	"github.com/hongjun500/whiteboard-go/internal/transport"
	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

func directoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "directory",
		Aliases: []string{"dir"},
		Short:   "Run the board directory",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDirectory()
		},
	}
	f := cmd.Flags()
	f.StringVarP(&cfg.DirectoryListen, "listen", "l", cfg.DirectoryListen, "TCP address to accept peers on")
	f.StringVar(&cfg.WSListen, "ws", cfg.WSListen, "optional WebSocket listen address")
	f.StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "WebSocket endpoint path")
	f.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for mirroring between directory nodes, empty disables")
	f.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "redis database")
	f.StringVar(&cfg.RedisStream, "redis-stream", cfg.RedisStream, "redis stream name")
	f.StringVar(&cfg.RedisGroup, "redis-group", cfg.RedisGroup, "redis consumer group prefix")
	return cmd
}

func runDirectory() error {
	log := logger.Named("directory_cmd").Sugar()
	mcfg, err := managerConfig(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	srv := directory.NewServer(mcfg)
	defer srv.Shutdown()

	ln, err := net.Listen("tcp", cfg.DirectoryListen)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })

	if cfg.WSListen != "" {
		wl, err := transport.ListenWS(cfg.WSListen, cfg.WSPath)
		if err != nil {
			_ = ln.Close()
			return err
		}
		g.Go(func() error { return srv.Serve(gctx, wl) })
	}

	if cfg.RedisAddr != "" {
		b := redisstream.New(cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream, cfg.RedisGroup, srv.Node())
		defer b.Close()
		if err := b.Ping(ctx); err != nil {
			return err
		}
		if err := b.EnsureGroup(ctx); err != nil {
			return err
		}
		g.Go(func() error { return srv.RunBus(gctx, b) })
	}

	if cfg.MDNS {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(discovery.InstanceName(srv.Node()), port)
		if err != nil {
			log.Warnw("mdns_advertise_failed", "err", err)
		} else {
			defer adv.Shutdown()
		}
	}

	if cfg.MetricsAddr != "" {
		g.Go(func() error { return observe.StartHTTP(gctx, cfg.MetricsAddr, nil) })
	}

	log.Infow("directory_ready", "listen", ln.Addr().String(), "node", srv.Node())
	<-gctx.Done()
	srv.Shutdown()
	err = g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
