package whiteboard

import (
	"github.com/pkg/errors"

	"github.com/hongjun500/whiteboard-go/internal/board"
	"github.com/hongjun500/whiteboard-go/internal/protocol"
)

// Name is the protocol name in both roles; an endpoint carries one of them.
const Name = "whiteboard"

const (
	EventListen        = "BOARD_LISTEN"
	EventUnlisten      = "BOARD_UNLISTEN"
	EventGetData       = "GET_BOARD_DATA"
	EventData          = "BOARD_DATA"
	EventPathUpdate    = "BOARD_PATH_UPDATE"
	EventPathAccepted  = "BOARD_PATH_ACCEPTED"
	EventUndoUpdate    = "BOARD_UNDO_UPDATE"
	EventUndoAccepted  = "BOARD_UNDO_ACCEPTED"
	EventClearUpdate   = "BOARD_CLEAR_UPDATE"
	EventClearAccepted = "BOARD_CLEAR_ACCEPTED"
	EventDeleted       = "BOARD_DELETED"
	EventError         = "BOARD_ERROR"
)

// 按角色划分的事件表
var (
	ownerEvents = []string{
		EventListen, EventUnlisten, EventGetData,
		EventPathUpdate, EventUndoUpdate, EventClearUpdate,
		EventPathAccepted, EventUndoAccepted, EventClearAccepted,
	}
	editorEvents = []string{
		EventData, EventDeleted, EventError,
		EventPathUpdate, EventUndoUpdate, EventClearUpdate,
		EventPathAccepted, EventUndoAccepted, EventClearAccepted,
	}
)

var (
	updateEvents = map[board.Op]string{
		board.OpPath:  EventPathUpdate,
		board.OpUndo:  EventUndoUpdate,
		board.OpClear: EventClearUpdate,
	}
	acceptedEvents = map[board.Op]string{
		board.OpPath:  EventPathAccepted,
		board.OpUndo:  EventUndoAccepted,
		board.OpClear: EventClearAccepted,
	}
)

// opOf maps a mutation event to its operation.
func opOf(event string) (op board.Op, accepted bool, ok bool) {
	for o, ev := range updateEvents {
		if ev == event {
			return o, false, true
		}
	}
	for o, ev := range acceptedEvents {
		if ev == event {
			return o, true, true
		}
	}
	return 0, false, false
}

// update is a decoded mutation: the board, the version it is stated
// against, the path for path-adds and the origin peer id.
type update struct {
	data   board.Data
	path   board.Path
	origin string
}

// payload renders the first argument of a mutation event.
func payload(name board.Name, op board.Op, version int, p board.Path) string {
	d := board.Data{Name: name, Version: version}
	if op == board.OpPath {
		d.Paths = []board.Path{p}
	}
	return d.String()
}

func parseUpdate(op board.Op, env *protocol.Envelope) (update, error) {
	if len(env.Args) != 2 {
		return update{}, errors.Wrapf(protocol.ErrMalformedEnvelope, "%s wants 2 args, got %d", env.Event, len(env.Args))
	}
	d, err := board.ParseData(env.Args[0])
	if err != nil {
		return update{}, err
	}
	want := 0
	if op == board.OpPath {
		want = 1
	}
	if len(d.Paths) != want {
		return update{}, errors.Wrapf(protocol.ErrMalformedEnvelope, "%s carries %d paths", env.Event, len(d.Paths))
	}
	u := update{data: d, origin: env.Args[1]}
	if u.origin == "" {
		return update{}, errors.Wrapf(protocol.ErrMalformedEnvelope, "%s without origin", env.Event)
	}
	if want == 1 {
		u.path = d.Paths[0]
	}
	return u, nil
}

func parseNameArg(env *protocol.Envelope) (board.Name, error) {
	if len(env.Args) != 1 {
		return board.Name{}, errors.Wrapf(protocol.ErrMalformedEnvelope, "%s wants 1 arg, got %d", env.Event, len(env.Args))
	}
	return board.ParseName(env.Args[0])
}
