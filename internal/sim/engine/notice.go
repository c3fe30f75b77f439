package engine

import "github.com/morganlombard/Virtual-Game-Table/internal/protocol"

type NoticeKind uint8

const (
	NoticeJoined NoticeKind = iota + 1
	NoticeRoster
	NoticeLeft
	NoticeChat
	// NoticeClosed and NoticeBooted are terminal: no reconnect is attempted.
	NoticeClosed
	NoticeBooted
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeJoined:
		return "joined"
	case NoticeRoster:
		return "roster"
	case NoticeLeft:
		return "left"
	case NoticeChat:
		return "chat"
	case NoticeClosed:
		return "closed"
	case NoticeBooted:
		return "booted"
	}
	return "unknown"
}

// Notice is something the user should see.
type Notice struct {
	Kind    NoticeKind
	From    int // chat sender (protocol.ServerClientID for the relay) or the client concerned
	Text    string
	Code    string // protocol error code for NoticeBooted
	Clients map[int]protocol.ClientInfo
}

func (n Notice) Terminal() bool { return n.Kind == NoticeClosed || n.Kind == NoticeBooted }

// notify never blocks the loop; a full notice queue drops the oldest entry.
func (e *Engine) notify(n Notice) {
	for {
		select {
		case e.notices <- n:
			return
		default:
		}
		select {
		case <-e.notices:
		default:
		}
	}
}
