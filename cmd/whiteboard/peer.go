package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hongjun500/whiteboard-go/internal/command"
	"github.com/hongjun500/whiteboard-go/internal/directory"
	"github.com/hongjun500/whiteboard-go/internal/events"
	"github.com/hongjun500/whiteboard-go/internal/observe"
	"github.com/hongjun500/whiteboard-go/internal/subscriber"
	"github.com/hongjun500/whiteboard-go/internal/whiteboard"
	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run a whiteboard peer with an interactive console",
		Long: `Run a peer: it serves the boards it owns to other peers, follows the
directory for boards shared elsewhere and reads commands from stdin.
Type /help once it is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer()
		},
	}
	cmd.Flags().StringVar(&cfg.PeerHost, "host", cfg.PeerHost, "host other peers use to reach this one")
	cmd.Flags().IntVarP(&cfg.PeerPort, "port", "p", cfg.PeerPort, "port to accept peers on")
	cmd.Flags().StringVarP(&cfg.DirectoryAddr, "directory", "d", cfg.DirectoryAddr, "directory address, host:port or ws:// URL")
	return cmd
}

func runPeer() error {
	log := logger.Named("peer_cmd").Sugar()
	mcfg, err := managerConfig(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.PeerPort)))
	if err != nil {
		return err
	}

	hub := events.NewHub()
	subscriber.RegisterAll(hub)
	subscriber.RegisterConsole(hub, os.Stdout)

	peer := whiteboard.NewPeer(whiteboard.Config{Host: cfg.PeerHost, Port: cfg.PeerPort, Manager: mcfg}, hub)
	dir := directory.NewClient(directoryAddr(ctx, cfg), mcfg, peer, peer.SharedBoards)
	if err := dir.Start(ctx); err != nil {
		// 目录不可达时仍可编辑本地白板
		log.Warnw("directory_unavailable", "err", err)
		fmt.Fprintf(os.Stderr, "directory unavailable, sharing is disabled: %v\n", err)
	}
	peer.SetAnnouncer(dir)

	var g errgroup.Group
	g.Go(func() error { return peer.Serve(ctx, ln) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return observe.StartHTTP(ctx, cfg.MetricsAddr, peer.BoardInfos) })
	}

	reg := command.NewRegistry()
	if err := command.RegisterBuiltins(reg); err != nil {
		return err
	}
	fmt.Printf("peer %s ready, type /help\n", peer.ID())
	// stdin 读取无法取消，不放进 errgroup
	go func() {
		if err := reg.Serve(os.Stdin, &command.Context{Peer: peer, Out: os.Stdout}); err != nil {
			log.Warnw("console_error", "err", err)
		}
		stop()
	}()

	<-ctx.Done()
	dir.Shutdown()
	peer.Shutdown()
	return g.Wait()
}
