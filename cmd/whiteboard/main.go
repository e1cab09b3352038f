package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hongjun500/whiteboard-go/internal/config"
	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

var (
	cfg      = config.Load()
	logLevel string
)

func main() {
	defer logger.Sync()

	rootCmd := &cobra.Command{
		Use:   "whiteboard",
		Short: "Peer-to-peer shared whiteboards",
		Long: `whiteboard runs a peer that owns and edits shared boards, or the
directory that tells peers which boards are shared.

Every setting has a WB_* environment variable; flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logLevel != "" {
				logger.SetLevel(logLevel)
			}
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "", "debug|info|warn|error (default WB_LOG_LEVEL)")
	pf.StringVar(&cfg.Codec, "codec", cfg.Codec, "envelope codec: json|protobuf")
	pf.IntVar(&cfg.MaxFrameSize, "max-frame", cfg.MaxFrameSize, "max frame size in bytes")
	pf.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "per-write deadline")
	pf.DurationVar(&cfg.KeepAliveDelay, "keepalive", cfg.KeepAliveDelay, "keepalive request interval")
	pf.IntVar(&cfg.ReconnectAttempts, "reconnect-attempts", cfg.ReconnectAttempts, "reconnect attempts after a drop")
	pf.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "wait before each reconnect attempt")
	pf.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "address for /metrics, /healthz and /boards, empty disables")
	pf.BoolVar(&cfg.MDNS, "mdns", cfg.MDNS, "advertise or look up the directory over mDNS")

	rootCmd.AddCommand(
		peerCmd(),
		directoryCmd(),
		watchCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		logger.Sync()
		os.Exit(1)
	}
}

// lookupTimeout bounds the mDNS browse before falling back to the configured address.
const lookupTimeout = 3 * time.Second
