package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hanpama/normcache/internal/network"
	"github.com/hanpama/normcache/internal/reqid"
)

// graphql-transport-ws close codes.
const (
	closeBadRequest      = 4400
	closeUnauthorized    = 4401
	closeInitTimeout     = 4408
	closeDuplicateID     = 4409
	closeTooManyInitReqs = 4429
)

const wsWriteTimeout = 10 * time.Second

var errBadMessage = errors.New("server: malformed websocket message")

func (h *Handler) serveWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s := &wsSession{
		h:      h,
		conn:   conn,
		header: r.Header,
		ops:    make(map[string]context.CancelFunc),
	}
	if err := s.serve(ctx); err != nil {
		h.log.Debug("websocket closed", zap.Error(err))
	}
}

// wsSession is one graphql-transport-ws connection. Reads happen on the
// serving goroutine; every operation writes from its own goroutine.
type wsSession struct {
	h      *Handler
	conn   *websocket.Conn
	header http.Header

	writeMu sync.Mutex

	mu  sync.Mutex
	ops map[string]context.CancelFunc
	wg  sync.WaitGroup
}

func (s *wsSession) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
		_ = s.conn.Close()
	}()

	acked := false
	if s.h.opt.InitTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.h.opt.InitTimeout))
	}
	for {
		msg, err := s.read()
		switch {
		case errors.Is(err, errBadMessage):
			s.close(closeBadRequest, "Invalid message received")
			return err
		case err != nil:
			if !acked && isTimeout(err) {
				s.close(closeInitTimeout, "Connection initialisation timeout")
			}
			return err
		}
		switch msg.Type {
		case network.MsgConnectionInit:
			if acked {
				s.close(closeTooManyInitReqs, "Too many initialisation requests")
				return nil
			}
			acked = true
			_ = s.conn.SetReadDeadline(time.Time{})
			if err := s.write(network.WSMessage{Type: network.MsgConnectionAck}); err != nil {
				return err
			}
		case network.MsgPing:
			if err := s.write(network.WSMessage{Type: network.MsgPong}); err != nil {
				return err
			}
		case network.MsgPong:
		case network.MsgSubscribe:
			if !acked {
				s.close(closeUnauthorized, "Unauthorized")
				return nil
			}
			var req network.Request
			if msg.ID == "" || json.Unmarshal(msg.Payload, &req) != nil {
				s.close(closeBadRequest, "Invalid subscribe message")
				return nil
			}
			if !s.start(ctx, msg.ID, req) {
				s.close(closeDuplicateID, "Subscriber for "+msg.ID+" already exists")
				return nil
			}
		case network.MsgComplete:
			s.stop(msg.ID)
		default:
			s.close(closeBadRequest, "Unexpected message type "+msg.Type)
			return nil
		}
	}
}

func (s *wsSession) start(ctx context.Context, id string, req network.Request) bool {
	s.mu.Lock()
	if _, dup := s.ops[id]; dup {
		s.mu.Unlock()
		return false
	}
	opCtx, cancel := context.WithCancel(ctx)
	s.ops[id] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.stop(id)
		s.run(opCtx, id, req)
	}()
	return true
}

func (s *wsSession) stop(id string) {
	s.mu.Lock()
	cancel, ok := s.ops[id]
	delete(s.ops, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *wsSession) run(ctx context.Context, id string, req network.Request) {
	kind, msg := operationKind(req)
	if msg != "" {
		s.sendErrors(id, network.ErrorList{{Message: msg}})
		return
	}
	req.Kind = kind
	ctx, rid := reqid.NewContext(ctx)
	ctx = s.h.outgoing(ctx, s.header, rid)

	first := true
	for res, err := range s.h.network.Execute(ctx, req) {
		if ctx.Err() != nil {
			// completed by the client
			return
		}
		if err != nil {
			s.h.log.Warn("websocket operation failed", zap.String("id", id), zap.Int64("request_id", rid), zap.Error(err))
			s.sendErrors(id, network.ErrorList{{Message: err.Error()}})
			return
		}
		if first && res.Failed() {
			s.sendErrors(id, res.Errors)
			return
		}
		first = false
		payload, err := json.Marshal(res)
		if err != nil {
			s.sendErrors(id, network.ErrorList{{Message: err.Error()}})
			return
		}
		if s.write(network.WSMessage{ID: id, Type: network.MsgNext, Payload: payload}) != nil {
			return
		}
	}
	if ctx.Err() == nil {
		_ = s.write(network.WSMessage{ID: id, Type: network.MsgComplete})
	}
}

func (s *wsSession) sendErrors(id string, errs network.ErrorList) {
	payload, err := json.Marshal(errs)
	if err != nil {
		return
	}
	_ = s.write(network.WSMessage{ID: id, Type: network.MsgError, Payload: payload})
}

func (s *wsSession) read() (network.WSMessage, error) {
	var msg network.WSMessage
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, errBadMessage
	}
	return msg, nil
}

func (s *wsSession) write(msg network.WSMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *wsSession) close(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}
