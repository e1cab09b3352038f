package subscriber

import (
	"fmt"
	"io"
	"sync"

	"github.com/hongjun500/whiteboard-go/internal/events"
	"github.com/hongjun500/whiteboard-go/internal/observe"
	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

var allTopics = []events.EventType{
	events.EventBoardAdded,
	events.EventBoardRemoved,
	events.EventBoardUpdated,
	events.EventBoardShared,
	events.EventLinkState,
	events.EventPeerError,
}

// RegisterAll 把所有内置订阅者注册到 Hub：日志和指标。
func RegisterAll(hub *events.Hub) {
	registerMetrics(hub)
	registerLogging(hub)
}

func registerMetrics(hub *events.Hub) {
	for _, t := range allTopics {
		hub.Subscribe(t, func(e events.Event) { observe.IncBoardEvent(string(e.Type())) })
	}
}

func registerLogging(hub *events.Hub) {
	log := logger.Named("events").Sugar()
	hub.Subscribe(events.EventBoardAdded, func(e events.Event) {
		be := e.(*events.BoardEvent)
		log.Infow("board_added", "board", be.Board, "remote", be.Remote)
	})
	hub.Subscribe(events.EventBoardRemoved, func(e events.Event) {
		be := e.(*events.BoardEvent)
		log.Infow("board_removed", "board", be.Board, "remote", be.Remote)
	})
	hub.Subscribe(events.EventBoardUpdated, func(e events.Event) {
		be := e.(*events.BoardEvent)
		log.Debugw("board_updated", "board", be.Board, "version", be.Version)
	})
	hub.Subscribe(events.EventLinkState, func(e events.Event) {
		le := e.(*events.LinkStateEvent)
		log.Infow("link_state", "board", le.Board, "state", le.State)
	})
	hub.Subscribe(events.EventPeerError, func(e events.Event) {
		pe := e.(*events.PeerErrorEvent)
		log.Warnw("peer_error", "board", pe.Board, "err", pe.Err)
	})
}

// RegisterConsole prints user-facing notices to w, the way the REPL shows
// them. Writes are serialized.
func RegisterConsole(hub *events.Hub, w io.Writer) {
	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = fmt.Fprintf(w, format+"\n", args...)
	}
	hub.Subscribe(events.EventBoardAdded, func(e events.Event) {
		be := e.(*events.BoardEvent)
		if be.Remote {
			printf("[board] %s is now shared", be.Board)
			return
		}
		printf("[board] created %s", be.Board)
	})
	hub.Subscribe(events.EventBoardRemoved, func(e events.Event) {
		printf("[board] %s is gone", e.(*events.BoardEvent).Board)
	})
	hub.Subscribe(events.EventBoardUpdated, func(e events.Event) {
		be := e.(*events.BoardEvent)
		printf("[draw] %s v%d", be.Board, be.Version)
	})
	hub.Subscribe(events.EventBoardShared, func(e events.Event) {
		be := e.(*events.BoardEvent)
		if be.Shared {
			printf("[share] %s shared", be.Board)
			return
		}
		printf("[share] %s unshared", be.Board)
	})
	hub.Subscribe(events.EventLinkState, func(e events.Event) {
		le := e.(*events.LinkStateEvent)
		printf("[link] %s %s", le.Board, le.State)
	})
	hub.Subscribe(events.EventPeerError, func(e events.Event) {
		pe := e.(*events.PeerErrorEvent)
		printf("[error] %s: %s", pe.Board, pe.Err)
	})
}
