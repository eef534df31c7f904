package network

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketOptions configures a WebSocket network.
//
// Defaults:
// - Dialer:      websocket.DefaultDialer with the graphql-transport-ws subprotocol
// - AckTimeout:  10s
// - WriteTimeout: 10s
type WebSocketOptions struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	InitPayload  map[string]any
	AckTimeout   time.Duration
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

type WebSocketOption func(*WebSocketOptions)

func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(o *WebSocketOptions) { o.Dialer = d }
}
func WithInitPayload(p map[string]any) WebSocketOption {
	return func(o *WebSocketOptions) { o.InitPayload = p }
}
func WithAckTimeout(d time.Duration) WebSocketOption {
	return func(o *WebSocketOptions) { o.AckTimeout = d }
}
func WithWSHeader(key, value string) WebSocketOption {
	return func(o *WebSocketOptions) { o.Header.Add(key, value) }
}
func WithWSLogger(l *zap.Logger) WebSocketOption {
	return func(o *WebSocketOptions) { o.Logger = l }
}

// WebSocket runs each request over its own graphql-transport-ws connection
// and yields every `next` payload until the server completes the operation.
// Breaking out of the sequence sends `complete` and closes the connection.
type WebSocket struct {
	url string
	opt *WebSocketOptions
	log *zap.Logger
}

func NewWebSocket(url string, opts ...WebSocketOption) *WebSocket {
	o := &WebSocketOptions{
		Header:       http.Header{},
		AckTimeout:   10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Logger:       zap.NewNop(),
	}
	for _, f := range opts {
		f(o)
	}
	base := o.Dialer
	if base == nil {
		base = websocket.DefaultDialer
	}
	d := *base
	d.Subprotocols = []string{WSProtocol}
	o.Dialer = &d
	return &WebSocket{url: url, opt: o, log: o.Logger.Named("network.ws")}
}

func (w *WebSocket) Execute(ctx context.Context, req Request) iter.Seq2[*Response, error] {
	return Instrument(ctx, "ws", req, Once(func(yield func(*Response, error) bool) {
		w.stream(ctx, req, yield)
	}))
}

func (w *WebSocket) stream(ctx context.Context, req Request, yield func(*Response, error) bool) {
	conn, _, err := w.opt.Dialer.DialContext(ctx, w.url, w.opt.Header)
	if err != nil {
		yield(nil, fmt.Errorf("network: dial %s: %w", w.url, err))
		return
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := w.handshake(conn); err != nil {
		yield(nil, ctxErr(ctx, err))
		return
	}

	id := uuid.NewString()
	payload, err := json.Marshal(req)
	if err != nil {
		yield(nil, fmt.Errorf("network: encode request: %w", err))
		return
	}
	if err := w.write(conn, WSMessage{ID: id, Type: MsgSubscribe, Payload: payload}); err != nil {
		yield(nil, ctxErr(ctx, err))
		return
	}

	for {
		msg, err := w.read(conn)
		if err != nil {
			yield(nil, ctxErr(ctx, err))
			return
		}
		switch msg.Type {
		case MsgPing:
			if err := w.write(conn, WSMessage{Type: MsgPong}); err != nil {
				yield(nil, ctxErr(ctx, err))
				return
			}
		case MsgNext:
			if msg.ID != id {
				continue
			}
			var res Response
			if err := json.Unmarshal(msg.Payload, &res); err != nil {
				yield(nil, fmt.Errorf("network: decode payload: %w", err))
				return
			}
			if !yield(&res, nil) {
				_ = w.write(conn, WSMessage{ID: id, Type: MsgComplete})
				return
			}
		case MsgError:
			if msg.ID != id {
				continue
			}
			var errs ErrorList
			if err := json.Unmarshal(msg.Payload, &errs); err != nil {
				yield(nil, fmt.Errorf("network: decode error payload: %w", err))
				return
			}
			yield(&Response{Errors: errs}, nil)
			return
		case MsgComplete:
			if msg.ID == id {
				return
			}
		default:
			w.log.Debug("ignoring message", zap.String("type", msg.Type))
		}
	}
}

func (w *WebSocket) handshake(conn *websocket.Conn) error {
	var init []byte
	if w.opt.InitPayload != nil {
		b, err := json.Marshal(w.opt.InitPayload)
		if err != nil {
			return fmt.Errorf("network: encode init payload: %w", err)
		}
		init = b
	}
	if err := w.write(conn, WSMessage{Type: MsgConnectionInit, Payload: init}); err != nil {
		return err
	}
	_ = conn.SetReadDeadline(time.Now().Add(w.opt.AckTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		msg, err := w.read(conn)
		if err != nil {
			return fmt.Errorf("network: waiting for connection_ack: %w", err)
		}
		switch msg.Type {
		case MsgConnectionAck:
			return nil
		case MsgPing:
			if err := w.write(conn, WSMessage{Type: MsgPong}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("network: unexpected %q before connection_ack", msg.Type)
		}
	}
}

func (w *WebSocket) write(conn *websocket.Conn, msg WSMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(w.opt.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (w *WebSocket) read(conn *websocket.Conn) (WSMessage, error) {
	var msg WSMessage
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("network: decode message: %w", err)
	}
	return msg, nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
