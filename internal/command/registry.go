package command

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hongjun500/whiteboard-go/internal/observe"
	"github.com/hongjun500/whiteboard-go/internal/whiteboard"
)

// ErrQuit is returned by Serve after /quit.
var ErrQuit = errors.New("quit")

type Context struct {
	Peer *whiteboard.Peer
	Out  io.Writer
	Args []string
	Raw  string
}

// Printf 向命令输出写一行
func (c *Context) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.Out, format+"\n", args...)
}

type HandlerFunc func(ctx *Context) error

type Command struct {
	Name    string
	Aliases []string
	Usage   string
	Help    string
	Handler HandlerFunc
}

type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Command
	list   []*Command
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Command),
		list:   make([]*Command, 0),
	}
}

func (r *Registry) Register(cmd *Command) (err error) {
	if cmd == nil {
		return errors.New("command is nil")
	}
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	if name == "" {
		return errors.New("command name is empty")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("command name must not contain '/':%s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("command %s already registered", name)
	}
	for _, item := range cmd.Aliases {
		alias := strings.ToLower(strings.TrimSpace(item))
		if alias == "" {
			continue
		}
		if _, exists := r.byName[alias]; exists {
			return fmt.Errorf("command alias %s already registered", alias)
		}
	}
	r.byName[name] = cmd
	for _, item := range cmd.Aliases {
		if alias := strings.ToLower(strings.TrimSpace(item)); alias != "" {
			r.byName[alias] = cmd
		}
	}
	r.list = append(r.list, cmd)
	return nil
}

func (r *Registry) Get(name string) (*Command, bool) {
	k := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/"))
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.byName[k]
	return cmd, ok
}

func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, len(r.list))
	copy(out, r.list)
	return out
}

// Execute runs one "/name args..." line. Lines without the slash are not
// commands and are reported as unhandled.
func (r *Registry) Execute(raw string, ctx *Context) (handled bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "/") {
		return false, nil
	}
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return true, nil
	}
	cmdName := strings.TrimPrefix(parts[0], "/")
	cmd, ok := r.Get(cmdName)
	if !ok {
		observe.IncCommandError("not_found")
		return true, fmt.Errorf("command %s not found", cmdName)
	}
	ctx.Args = parts[1:]
	ctx.Raw = raw
	observe.IncCommand(cmd.Name)
	if err := cmd.Handler(ctx); err != nil {
		if !errors.Is(err, ErrQuit) {
			observe.IncCommandError("handler")
		}
		return true, err
	}
	return true, nil
}

// Serve reads commands line by line until in ends or /quit.
func (r *Registry) Serve(in io.Reader, ctx *Context) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		handled, err := r.Execute(line, ctx)
		if errors.Is(err, ErrQuit) {
			return nil
		}
		if err != nil {
			ctx.Printf("error: %v", err)
			continue
		}
		if !handled {
			ctx.Printf("unknown input %q, try /help", line)
		}
	}
	return sc.Err()
}
