package protocol

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// HandlerFunc handles one decoded envelope.
type HandlerFunc func(env *Envelope) error

// Router is an explicit dispatch table from event name to handler. Each event
// has exactly one handler; registering a second one is an error.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRouter 创建新的消息路由器
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle 注册事件处理函数
func (r *Router) Handle(event string, handler HandlerFunc) error {
	if event == "" || handler == nil {
		return errors.New("router: empty event or nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[event]; exists {
		return errors.Errorf("router: handler for %s already registered", event)
	}
	r.handlers[event] = handler
	return nil
}

// MustHandle is Handle for tables built at construction time.
func (r *Router) MustHandle(event string, handler HandlerFunc) *Router {
	if err := r.Handle(event, handler); err != nil {
		panic(err)
	}
	return r
}

// Dispatch 分发消息到对应处理函数
func (r *Router) Dispatch(env *Envelope) error {
	r.mu.RLock()
	handler, ok := r.handlers[env.Event]
	r.mu.RUnlock()
	if !ok {
		return errors.Wrap(ErrNoHandler, env.Event)
	}
	return handler(env)
}

// Events 获取已注册的事件列表
func (r *Router) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make([]string, 0, len(r.handlers))
	for ev := range r.handlers {
		events = append(events, ev)
	}
	sort.Strings(events)
	return events
}
