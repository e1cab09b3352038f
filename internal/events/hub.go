package events

import (
	"sync"
	"time"
)

type EventHandler func(Event)

type handlerEntry struct {
	id uint64
	fn EventHandler
}

// Hub fans board events out to subscribers. A nil *Hub drops everything so
// components can run without one.
type Hub struct {
	handlersMu sync.RWMutex
	handlers   map[EventType][]handlerEntry
	nextHID    uint64
}

func NewHub() *Hub {
	return &Hub{handlers: make(map[EventType][]handlerEntry)}
}

// Subscribe 注册事件处理器
func (h *Hub) Subscribe(t EventType, fn EventHandler) { _ = h.SubscribeCancelable(t, fn) }

// SubscribeCancelable 注册并返回一个取消函数，用于移除该处理器
func (h *Hub) SubscribeCancelable(t EventType, fn EventHandler) (cancel func()) {
	h.handlersMu.Lock()
	h.nextHID++
	id := h.nextHID
	h.handlers[t] = append(h.handlers[t], handlerEntry{id: id, fn: fn})
	h.handlersMu.Unlock()

	return func() {
		h.handlersMu.Lock()
		entries := h.handlers[t]
		if len(entries) > 0 {
			filtered := make([]handlerEntry, 0, len(entries))
			for _, e := range entries {
				if e.id != id {
					filtered = append(filtered, e)
				}
			}
			if len(filtered) == 0 {
				delete(h.handlers, t)
			} else {
				h.handlers[t] = filtered
			}
		}
		h.handlersMu.Unlock()
	}
}

// Emit 异步分发事件给所有 handler,非阻塞返回
func (h *Hub) Emit(e Event) {
	if h == nil {
		return
	}
	h.handlersMu.RLock()
	entries := h.handlers[e.Type()]
	// 拷贝切片以避免并发修改影响
	copied := append([]handlerEntry(nil), entries...)
	h.handlersMu.RUnlock()
	for _, entry := range copied {
		go func(f EventHandler) {
			defer func() { _ = recover() }()
			f(e)
		}(entry.fn)
	}
}

func (h *Hub) BoardAdded(board string, remote bool) {
	h.Emit(&BoardEvent{When: time.Now(), Topic: EventBoardAdded, Board: board, Remote: remote})
}

func (h *Hub) BoardRemoved(board string, remote bool) {
	h.Emit(&BoardEvent{When: time.Now(), Topic: EventBoardRemoved, Board: board, Remote: remote})
}

// BoardUpdated asks views of board to redraw at version.
func (h *Hub) BoardUpdated(board string, version int, remote bool) {
	h.Emit(&BoardEvent{When: time.Now(), Topic: EventBoardUpdated, Board: board, Version: version, Remote: remote})
}

func (h *Hub) BoardShared(board string, shared bool) {
	h.Emit(&BoardEvent{When: time.Now(), Topic: EventBoardShared, Board: board, Shared: shared})
}

func (h *Hub) LinkState(board, state string) {
	h.Emit(&LinkStateEvent{When: time.Now(), Board: board, State: state})
}

func (h *Hub) PeerError(board string, err string) {
	h.Emit(&PeerErrorEvent{When: time.Now(), Board: board, Err: err})
}
