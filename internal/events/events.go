package events

import "time"

// EventType 事件类型标识
type EventType string

const (
	EventBoardAdded   EventType = "board.added"
	EventBoardRemoved EventType = "board.removed"
	EventBoardUpdated EventType = "board.updated" // 需要重绘
	EventBoardShared  EventType = "board.shared"
	EventLinkState    EventType = "link.state"
	EventPeerError    EventType = "peer.error"
)

type Event interface {
	Type() EventType
	Time() time.Time
}

// BoardEvent covers the board lifecycle topics; Topic selects which one.
type BoardEvent struct {
	When    time.Time
	Topic   EventType
	Board   string
	Version int
	Remote  bool
	Shared  bool
}

func (e *BoardEvent) Type() EventType { return e.Topic }
func (e *BoardEvent) Time() time.Time { return e.When }

// LinkStateEvent 编辑端连接状态变化
type LinkStateEvent struct {
	When  time.Time
	Board string
	State string
}

func (e *LinkStateEvent) Type() EventType { return EventLinkState }
func (e *LinkStateEvent) Time() time.Time { return e.When }

// PeerErrorEvent reports a protocol error the user should see, such as an
// owner refusing to serve a board.
type PeerErrorEvent struct {
	When  time.Time
	Board string
	Err   string
}

func (e *PeerErrorEvent) Type() EventType { return EventPeerError }
func (e *PeerErrorEvent) Time() time.Time { return e.When }
