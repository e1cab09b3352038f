package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/hongjun500/whiteboard-go/internal/board"
	"github.com/hongjun500/whiteboard-go/internal/directory"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print share and unshare notifications from the directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&cfg.DirectoryAddr, "directory", "d", cfg.DirectoryAddr, "directory address, host:port or ws:// URL")
	return cmd
}

// printer 把目录通知逐行打印出来
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) line(verb, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	owner := "?"
	if n, err := board.ParseName(name); err == nil {
		owner = n.PeerID()
	}
	fmt.Fprintf(p.w, "%s %-9s %s (owner %s)\n", time.Now().Format(time.TimeOnly), verb, name, owner)
}

func (p *printer) OnBoardShared(name string)   { p.line("shared", name) }
func (p *printer) OnBoardUnshared(name string) { p.line("unshared", name) }

func runWatch(out io.Writer) error {
	mcfg, err := managerConfig(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	addr := directoryAddr(ctx, cfg)
	c := directory.NewClient(addr, mcfg, &printer{w: out}, nil)
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Shutdown()
	fmt.Fprintf(os.Stderr, "watching %s, Ctrl-C to stop\n", addr)

	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return fmt.Errorf("lost connection to %s", addr)
	}
}
