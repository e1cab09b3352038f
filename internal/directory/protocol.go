package directory

import (
	"github.com/pkg/errors"

	"github.com/hongjun500/whiteboard-go/internal/protocol"
)

const Name = "directory"

const (
	EventShare     = "SHARE_BOARD"     // peer -> directory
	EventUnshare   = "UNSHARE_BOARD"   // peer -> directory
	EventSharing   = "SHARING_BOARD"   // directory -> peers
	EventUnsharing = "UNSHARING_BOARD" // directory -> peers
	EventError     = "ERROR"
)

var clientEvents = []string{EventSharing, EventUnsharing, EventError}

// Listener receives discovery notifications.
type Listener interface {
	OnBoardShared(name string)
	OnBoardUnshared(name string)
}

func boardArg(env *protocol.Envelope) (string, error) {
	if len(env.Args) != 1 || env.Args[0] == "" {
		return "", errors.Wrapf(protocol.ErrMalformedEnvelope, "%s wants one board name", env.Event)
	}
	return env.Args[0], nil
}
