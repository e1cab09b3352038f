package board

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrVersionConflict reports a local edit made against a version the board
// has already moved past.
var ErrVersionConflict = errors.New("board version conflict")

// Op is a board mutation.
type Op int

const (
	OpPath Op = iota
	OpUndo
	OpClear
)

func (o Op) String() string {
	switch o {
	case OpPath:
		return "path"
	case OpUndo:
		return "undo"
	case OpClear:
		return "clear"
	}
	return "unknown"
}

// Board is a peer's copy of one whiteboard. The owner's copy is
// authoritative; every other peer holds a remote copy fed by the owner.
type Board struct {
	name   Name
	remote bool

	mu      sync.RWMutex
	version int
	paths   []Path
	shared  bool
	fetched bool
}

// New creates an empty board at version 0. A remote board starts unfetched.
func New(name Name, remote bool) *Board {
	return &Board{name: name, remote: remote, fetched: !remote}
}

func (b *Board) Name() Name   { return b.name }
func (b *Board) Key() string  { return b.name.String() }
func (b *Board) Remote() bool { return b.remote }

func (b *Board) Version() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// Paths returns a copy of the paths in drawing order.
func (b *Board) Paths() []Path {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Path(nil), b.paths...)
}

func (b *Board) Shared() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.shared
}

// SetShared reports whether the flag changed.
func (b *Board) SetShared(shared bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shared == shared {
		return false
	}
	b.shared = shared
	return true
}

func (b *Board) Fetched() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fetched
}

// Data returns a consistent snapshot.
func (b *Board) Data() Data {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Data{Name: b.name, Version: b.version, Paths: append([]Path(nil), b.paths...)}
}

func (b *Board) String() string { return b.Data().String() }

// Apply performs op iff basedOn equals the current version, bumping the
// version by one. It reports whether the mutation was applied.
func (b *Board) Apply(op Op, p Path, basedOn int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if basedOn != b.version {
		return false
	}
	switch op {
	case OpPath:
		b.paths = append(b.paths, p)
	case OpUndo:
		if n := len(b.paths); n > 0 {
			b.paths = b.paths[:n-1]
		}
	case OpClear:
		b.paths = nil
	default:
		return false
	}
	b.version++
	return true
}

func (b *Board) AddPath(p Path, basedOn int) bool { return b.Apply(OpPath, p, basedOn) }
func (b *Board) Undo(basedOn int) bool            { return b.Apply(OpUndo, Path{}, basedOn) }
func (b *Board) Clear(basedOn int) bool           { return b.Apply(OpClear, Path{}, basedOn) }

// Replace overwrites content and version with an authoritative snapshot.
func (b *Board) Replace(d Data) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version = d.Version
	b.paths = append([]Path(nil), d.Paths...)
	b.fetched = true
}

// Registry 本地白板集合
type Registry struct {
	mu     sync.RWMutex
	boards map[string]*Board
}

func NewRegistry() *Registry {
	return &Registry{boards: make(map[string]*Board)}
}

// Add registers b; it reports false if a board with that name exists.
func (r *Registry) Add(b *Board) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.boards[b.Key()]; ok {
		return false
	}
	r.boards[b.Key()] = b
	return true
}

func (r *Registry) Get(name string) (*Board, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.boards[name]
	return b, ok
}

func (r *Registry) Remove(name string) (*Board, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.boards[name]
	if ok {
		delete(r.boards, name)
	}
	return b, ok
}

// List returns the boards sorted by name.
func (r *Registry) List() []*Board {
	r.mu.RLock()
	out := make([]*Board, 0, len(r.boards))
	for _, b := range r.boards {
		out = append(out, b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.boards)
}
