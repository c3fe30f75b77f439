package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/relay"
)

const (
	writeWait     = 5 * time.Second
	readWait      = 60 * time.Second
	pingEvery     = 20 * time.Second
	handshakeWait = 5 * time.Second
)

type Server struct {
	relay    *relay.Relay
	log      zerolog.Logger
	outQueue int

	upgrader websocket.Upgrader
}

// NewServer serves relay clients. outQueue bounds each client's outbound
// queue; a client that falls that far behind is evicted by the relay.
func NewServer(r *relay.Relay, logger zerolog.Logger, outQueue int) *Server {
	if outQueue <= 0 {
		outQueue = 256
	}
	return &Server{
		relay:    r,
		log:      logger.With().Str("component", "ws").Logger(),
		outQueue: outQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		clientID, out := s.handshake(conn)
		if clientID == 0 {
			return
		}
		log := s.log.With().Int("client_id", clientID).Str("remote", r.RemoteAddr).Logger()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine. The relay closes out when it drops the client.
		go func() {
			defer conn.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Clients ping while idle; each ping extends the read deadline.
		conn.SetPingHandler(func(data string) error {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		})

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			env, ok := decodeClientMessage(msg)
			if !ok {
				log.Debug().Int("bytes", len(msg)).Msg("dropped malformed message")
				continue
			}
			env.ClientID = clientID
			select {
			case s.relay.Inbox() <- env:
			case <-s.relay.Done():
				return
			}
		}

		// Cleanup.
		select {
		case s.relay.Leave() <- clientID:
		case <-s.relay.Done():
		}
	}
}

// decodeClientMessage accepts only messages a client may send after joining.
func decodeClientMessage(msg []byte) (relay.Envelope, bool) {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.ProtocolVersion != protocol.Version {
		return relay.Envelope{}, false
	}
	switch base.Type {
	case protocol.TypeBatch:
		var m protocol.BatchMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return relay.Envelope{}, false
		}
		return relay.Envelope{Msg: m.Batch}, true
	case protocol.TypeRoster:
		var m protocol.RosterMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return relay.Envelope{}, false
		}
		return relay.Envelope{Msg: m}, true
	case protocol.TypeChat:
		var m protocol.ChatMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return relay.Envelope{}, false
		}
		return relay.Envelope{Msg: m}, true
	}
	return relay.Envelope{}, false
}

func (s *Server) handshake(conn *websocket.Conn) (clientID int, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return 0, nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeJoin {
		s.refuse(conn, protocol.ErrProtoBadRequest, "expected JOIN")
		return 0, nil
	}
	var join protocol.JoinMsg
	if err := json.Unmarshal(msg, &join); err != nil {
		s.refuse(conn, protocol.ErrProtoBadRequest, "bad JOIN")
		return 0, nil
	}
	if join.ProtocolVersion != protocol.Version {
		s.refuse(conn, protocol.ErrProtoVersion, "bad protocol_version")
		return 0, nil
	}

	out = make(chan []byte, s.outQueue)
	respCh := make(chan relay.JoinResponse, 1)
	select {
	case s.relay.Join() <- relay.JoinRequest{Name: join.DisplayName, GroupID: join.GroupID, Out: out, Resp: respCh}:
	case <-s.relay.Done():
		return 0, nil
	}
	var resp relay.JoinResponse
	select {
	case resp = <-respCh:
	case <-s.relay.Done():
		return 0, nil
	}
	if resp.Err != nil {
		s.refuse(conn, resp.Code, resp.Err.Error())
		return 0, nil
	}

	if err := writeJSON(conn, resp.Snapshot); err != nil {
		select {
		case s.relay.Leave() <- resp.ClientID:
		case <-s.relay.Done():
		}
		return 0, nil
	}
	return resp.ClientID, out
}

func (s *Server) refuse(conn *websocket.Conn, code, reason string) {
	s.log.Info().Str("code", code).Str("reason", reason).Msg("join refused")
	_ = writeJSON(conn, protocol.BootedMsg{Type: protocol.TypeBooted, ProtocolVersion: protocol.Version, Code: code, Message: reason})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
