package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/agentjido/jido-shell-sub001/internal/logging"
	"github.com/agentjido/jido-shell-sub001/internal/session"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

const maxClientMessage = 64 * 1024

// clientMsg is a control message sent by a websocket subscriber.
type clientMsg struct {
	Type      string         `json:"type"`
	Line      string         `json:"line,omitempty"`
	Overrides map[string]any `json:"overrides,omitempty"`
}

// serverMsg answers a clientMsg. Session events are sent as-is.
type serverMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	CommandID string          `json:"command_id,omitempty"`
	Error     *shellerr.Error `json:"error,omitempty"`
}

// StreamEvents upgrades to a websocket and subscribes it to the session's
// event stream.
//
// Query parameters:
//   - replay: when "true", buffered scrollback is sent before live events.
//   - since: replay only scrollback events with a seq greater than this.
//
// The client may send {"type":"run","line":"..."} and {"type":"cancel"};
// each is answered with an "accepted" or "rejected" message. Outcomes arrive
// as ordinary session events.
func StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := Sessions.Lookup(id)
	if err != nil {
		writeShellError(w, err)
		return
	}

	replay := r.URL.Query().Get("replay") == "true"
	var since uint64
	if q := r.URL.Query().Get("since"); q != "" {
		n, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since")
			return
		}
		since = n
		replay = true
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logging.For("api").Warn("failed to accept event websocket", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxClientMessage)

	logger := logging.For("api")
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Live events queue in the mailbox while the scrollback is replayed;
	// anything already replayed is skipped by seq.
	mb := session.NewMailbox("")
	if err := Sessions.Subscribe(id, mb, false); err != nil {
		conn.Close(4404, "Session not found")
		return
	}
	defer func() {
		mb.Close()
		Sessions.Unsubscribe(id, mb.ID())
	}()

	if err := wsjson.Write(ctx, conn, serverMsg{Type: "subscribed", SessionID: id}); err != nil {
		return
	}
	last := since
	if replay {
		for _, ev := range s.Scrollback() {
			if ev.Seq <= last {
				continue
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
			last = ev.Seq
		}
	}

	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg clientMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			reply := handleClientMsg(id, msg)
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				return
			}
		}
	}()

	for {
		ev, err := mb.Next(ctx)
		if err != nil {
			break
		}
		if ev.Seq <= last {
			continue
		}
		last = ev.Seq
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			logger.Debug("event websocket write failed", "session", id, "err", err)
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func handleClientMsg(id string, msg clientMsg) serverMsg {
	var err error
	reply := serverMsg{Type: "accepted", SessionID: id}
	switch msg.Type {
	case "run":
		var p *session.Pending
		if p, err = Sessions.RunCommand(id, msg.Line, msg.Overrides); err == nil {
			reply.CommandID = p.CommandID
		}
	case "cancel":
		err = Sessions.Cancel(id)
	default:
		err = shellerr.New(shellerr.InvalidArgs, map[string]any{"type": msg.Type})
	}
	if err != nil {
		reply.Type = "rejected"
		reply.Error = shellerr.From(err, shellerr.Failed)
	}
	return reply
}
