package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hongjun500/whiteboard-go/internal/config"
	"github.com/hongjun500/whiteboard-go/internal/discovery"
	"github.com/hongjun500/whiteboard-go/internal/manager"
	"github.com/hongjun500/whiteboard-go/internal/protocol"
	"github.com/hongjun500/whiteboard-go/internal/transport"
	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

func managerConfig(c *config.Config) (manager.Config, error) {
	codec, err := protocol.NewCodecByName(c.Codec)
	if err != nil {
		return manager.Config{}, err
	}
	return manager.Config{
		Options: transport.Options{
			Codec:        codec,
			MaxFrameSize: c.MaxFrameSize,
			WriteTimeout: c.WriteTimeout,
		},
		KeepAliveDelay:    c.KeepAliveDelay,
		ReconnectAttempts: c.ReconnectAttempts,
		ReconnectDelay:    c.ReconnectDelay,
	}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// directoryAddr returns the configured directory, or one found over mDNS
// when --mdns is set and something answers.
func directoryAddr(ctx context.Context, c *config.Config) string {
	if !c.MDNS {
		return c.DirectoryAddr
	}
	addr, err := discovery.Lookup(ctx, lookupTimeout)
	if err != nil {
		logger.L().Sugar().Infow("mdns_lookup_failed", "err", err, "fallback", c.DirectoryAddr)
		return c.DirectoryAddr
	}
	return addr
}
