package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hongjun500/whiteboard-go/internal/board"
)

const openTimeout = 10 * time.Second

// boardName 允许省略本机前缀，只写白板 id
func boardName(ctx *Context, arg string) string {
	if strings.Contains(arg, board.NameSep) {
		return arg
	}
	return ctx.Peer.ID() + board.NameSep + arg
}

func needArgs(ctx *Context, n int, usage string) error {
	if len(ctx.Args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func versionArg(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("version must be a non-negative integer: %q", s)
	}
	return v, nil
}

// parseStroke builds a path from "color x,y x,y ...".
func parseStroke(args []string) (board.Path, error) {
	if len(args) < 2 {
		return board.Path{}, fmt.Errorf("a stroke needs a color and at least one point")
	}
	return board.ParsePath(strings.Join(args, ";"))
}

// RegisterBuiltins 注册内置命令
func RegisterBuiltins(r *Registry) (err error) {
	cmds := []*Command{
		{
			Name: "help",
			Help: "list commands",
			Handler: func(ctx *Context) error {
				for _, c := range r.List() {
					line := "/" + c.Name
					if c.Usage != "" {
						line += " " + c.Usage
					}
					line += " - " + c.Help
					if len(c.Aliases) > 0 {
						line += " (aliases: " + strings.Join(c.Aliases, ", ") + ")"
					}
					ctx.Printf("%s", line)
				}
				return nil
			},
		},
		{
			Name:    "boards",
			Aliases: []string{"ls"},
			Help:    "list known boards",
			Handler: func(ctx *Context) error {
				infos := ctx.Peer.BoardInfos()
				if len(infos) == 0 {
					ctx.Printf("no boards")
					return nil
				}
				for _, b := range infos {
					flags := "local"
					if b.Remote {
						flags = "remote " + b.State
					} else if b.Shared {
						flags = "local shared"
					}
					ctx.Printf("%s v%d paths=%d %s", b.Name, b.Version, b.Paths, flags)
				}
				return nil
			},
		},
		{
			Name:  "new",
			Usage: "[id]",
			Help:  "create a board",
			Handler: func(ctx *Context) error {
				id := ""
				if len(ctx.Args) > 0 {
					id = ctx.Args[0]
				}
				b, err := ctx.Peer.CreateBoard(id)
				if err != nil {
					return err
				}
				ctx.Printf("created %s", b.Key())
				return nil
			},
		},
		{
			Name:  "share",
			Usage: "<board>",
			Help:  "announce a board to the directory",
			Handler: func(ctx *Context) error {
				if err := needArgs(ctx, 1, "/share <board>"); err != nil {
					return err
				}
				return ctx.Peer.SetShared(boardName(ctx, ctx.Args[0]), true)
			},
		},
		{
			Name:  "unshare",
			Usage: "<board>",
			Help:  "withdraw a board from the directory",
			Handler: func(ctx *Context) error {
				if err := needArgs(ctx, 1, "/unshare <board>"); err != nil {
					return err
				}
				return ctx.Peer.SetShared(boardName(ctx, ctx.Args[0]), false)
			},
		},
		{
			Name:  "open",
			Usage: "<board>",
			Help:  "connect to a remote board's owner",
			Handler: func(ctx *Context) error {
				if err := needArgs(ctx, 1, "/open <board>"); err != nil {
					return err
				}
				c, cancel := context.WithTimeout(context.Background(), openTimeout)
				defer cancel()
				return ctx.Peer.Open(c, boardName(ctx, ctx.Args[0]))
			},
		},
		{
			Name:  "close",
			Usage: "<board>",
			Help:  "stop following a remote board",
			Handler: func(ctx *Context) error {
				if err := needArgs(ctx, 1, "/close <board>"); err != nil {
					return err
				}
				ctx.Peer.CloseBoard(boardName(ctx, ctx.Args[0]))
				return nil
			},
		},
		{
			Name:  "show",
			Usage: "<board>",
			Help:  "print a board's paths",
			Handler: func(ctx *Context) error {
				if err := needArgs(ctx, 1, "/show <board>"); err != nil {
					return err
				}
				name := boardName(ctx, ctx.Args[0])
				b, ok := ctx.Peer.Board(name)
				if !ok {
					return fmt.Errorf("unknown board %s", name)
				}
				d := b.Data()
				ctx.Printf("%s v%d", name, d.Version)
				for i, p := range d.Paths {
					ctx.Printf("  %d: %s", i, p)
				}
				return nil
			},
		},
		{
			Name:  "draw",
			Usage: "<board> <version> <color> <x,y>...",
			Help:  "add a path drawn against version",
			Handler: func(ctx *Context) error {
				if err := needArgs(ctx, 4, "/draw <board> <version> <color> <x,y>..."); err != nil {
					return err
				}
				v, err := versionArg(ctx.Args[1])
				if err != nil {
					return err
				}
				p, err := parseStroke(ctx.Args[2:])
				if err != nil {
					return err
				}
				return ctx.Peer.AddPath(boardName(ctx, ctx.Args[0]), p, v)
			},
		},
		{
			Name:  "undo",
			Usage: "<board> <version>",
			Help:  "remove the last path",
			Handler: func(ctx *Context) error {
				if err := needArgs(ctx, 2, "/undo <board> <version>"); err != nil {
					return err
				}
				v, err := versionArg(ctx.Args[1])
				if err != nil {
					return err
				}
				return ctx.Peer.Undo(boardName(ctx, ctx.Args[0]), v)
			},
		},
		{
			Name:  "clear",
			Usage: "<board> <version>",
			Help:  "remove every path",
			Handler: func(ctx *Context) error {
				if err := needArgs(ctx, 2, "/clear <board> <version>"); err != nil {
					return err
				}
				v, err := versionArg(ctx.Args[1])
				if err != nil {
					return err
				}
				return ctx.Peer.Clear(boardName(ctx, ctx.Args[0]), v)
			},
		},
		{
			Name:  "delete",
			Usage: "<board>",
			Help:  "delete a board",
			Handler: func(ctx *Context) error {
				if err := needArgs(ctx, 1, "/delete <board>"); err != nil {
					return err
				}
				return ctx.Peer.DeleteBoard(boardName(ctx, ctx.Args[0]))
			},
		},
		{
			Name:    "quit",
			Aliases: []string{"exit"},
			Help:    "leave",
			Handler: func(ctx *Context) error {
				ctx.Printf("bye")
				return ErrQuit
			},
		},
	}
	for _, c := range cmds {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
