package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/normcache/internal/eventbus"
	"github.com/hanpama/normcache/internal/events"
	"github.com/hanpama/normcache/internal/language"
	"github.com/hanpama/normcache/internal/network"
	"github.com/hanpama/normcache/internal/reqid"
)

// Handler is an http.Handler that serves a GraphQL endpoint backed by a
// network. Queries and mutations are accepted over GET and POST, and
// subscriptions over graphql-transport-ws on the same path.
type Handler struct {
	network  network.Network
	opt      Options
	log      *zap.Logger
	upgrader websocket.Upgrader
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout. Websocket connections are not affected.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// BatchConcurrency bounds how many requests of one batch run at once.
	BatchConcurrency int

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// MetadataHeaders lists HTTP headers to forward into gRPC metadata.
	// Header names are case-insensitive. Default is none.
	MetadataHeaders []string

	// InitTimeout bounds the wait for connection_init on websockets.
	InitTimeout time.Duration

	Logger *zap.Logger
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithBatchConcurrency(n int) Option  { return func(o *Options) { o.BatchConcurrency = n } }
func WithInitTimeout(d time.Duration) Option {
	return func(o *Options) { o.InitTimeout = d }
}
func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithMetadataHeaders(headers ...string) Option {
	return func(o *Options) { o.MetadataHeaders = headers }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates a GraphQL HTTP handler that runs every request through n.
func New(n network.Network, opts ...Option) *Handler {
	op := Options{
		Timeout:          10 * time.Second,
		BatchConcurrency: 8,
		InitTimeout:      10 * time.Second,
		Logger:           zap.NewNop(),
	}
	for _, f := range opts {
		f(&op)
	}
	h := &Handler{network: n, opt: op, log: op.Logger.Named("server")}
	h.upgrader = websocket.Upgrader{Subprotocols: []string{network.WSProtocol}}
	if len(op.CORS.AllowedOrigins) > 0 {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(op.CORS, origin)
		}
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, _ := reqid.NewContext(r.Context())
	status, ops := http.StatusOK, 0
	start := time.Now()
	upgrade := websocket.IsWebSocketUpgrade(r)
	eventbus.Publish(ctx, events.HTTPStart{Request: r, WebSocket: upgrade})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Operations: ops, Duration: time.Since(start)})
	}()

	if upgrade {
		status = http.StatusSwitchingProtocols
		h.serveWebSocket(ctx, w, r)
		return
	}

	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse("method not allowed"), h.opt.Pretty)
		return
	}

	req, batch, berr := parseRequest(r, h.opt.MaxBodyBytes)
	if berr != "" {
		status = http.StatusBadRequest
		if berr == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse(berr), h.opt.Pretty)
		return
	}

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	if batch != nil {
		ops = len(batch)
		out := make([]*network.Response, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(h.opt.BatchConcurrency)
		for i := range batch {
			g.Go(func() error {
				out[i], _ = h.executeOne(gctx, r.Header, batch[i])
				return nil
			})
		}
		_ = g.Wait()
		writeJSON(w, status, out, h.opt.Pretty)
		return
	}

	ops = 1
	res, st := h.executeOne(ctx, r.Header, req)
	status = st
	writeJSON(w, status, res, h.opt.Pretty)
}

// executeOne runs req and returns its first payload with the HTTP status it
// should be written with. Later payloads of an incremental response are
// dropped; streams belong on the websocket endpoint.
func (h *Handler) executeOne(ctx context.Context, header http.Header, req network.Request) (*network.Response, int) {
	kind, msg := operationKind(req)
	if msg != "" {
		return errorResponse(msg), http.StatusOK
	}
	if kind == string(language.Subscription) {
		return errorResponse("subscriptions are only served over websocket"), http.StatusBadRequest
	}
	req.Kind = kind

	ctx, rid := reqid.Ensure(ctx)
	ctx = h.outgoing(ctx, header, rid)

	for res, err := range h.network.Execute(ctx, req) {
		if err != nil {
			h.log.Warn("network failed", zap.Int64("request_id", rid), zap.Error(err))
			return errorResponse(err.Error()), http.StatusBadGateway
		}
		res.HasNext = false
		return res, http.StatusOK
	}
	return errorResponse(network.ErrEmptyResponse.Error()), http.StatusBadGateway
}

// outgoing maps the configured headers and the request id into gRPC metadata
// so gRPC backed networks forward them.
func (h *Handler) outgoing(ctx context.Context, header http.Header, rid int64) context.Context {
	md := metadata.MD{}
	if len(h.opt.MetadataHeaders) > 0 {
		allowed := make(map[string]struct{}, len(h.opt.MetadataHeaders))
		for _, hdr := range h.opt.MetadataHeaders {
			allowed[strings.ToLower(hdr)] = struct{}{}
		}
		for k, v := range header {
			if _, ok := allowed[strings.ToLower(k)]; ok {
				md[strings.ToLower(k)] = v
			}
		}
	}
	md["graphql-request-id"] = []string{strconv.FormatInt(rid, 10)}
	return metadata.NewOutgoingContext(ctx, md)
}

// operationKind parses the query far enough to learn the operation type.
// Validation is left to the network.
func operationKind(req network.Request) (string, string) {
	doc, err := language.ParseQuery(req.Query)
	if err != nil {
		return "", err.Error()
	}
	def, err := language.SelectOperation(doc, req.OperationName)
	if err != nil {
		return "", err.Error()
	}
	return string(def.Operation), ""
}

// ------------------ Request parsing ------------------

func parseRequest(r *http.Request, maxBody int64) (network.Request, []network.Request, string) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return network.Request{}, nil, "missing 'query'"
		}
		vars := map[string]any{}
		if v := r.URL.Query().Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return network.Request{}, nil, "invalid 'variables' JSON"
			}
		}
		op := r.URL.Query().Get("operationName")
		return network.Request{Query: q, Variables: vars, OperationName: op}, nil, ""
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return network.Request{}, nil, "unsupported Content-Type"
	}
	defer r.Body.Close()
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return network.Request{}, nil, "failed to read body"
	}
	if maxBody > 0 && int64(len(body)) > maxBody {
		return network.Request{}, nil, errBodyTooLargeMessage
	}

	if len(body) > 0 && body[0] == '[' {
		var arr []network.Request
		if err := json.Unmarshal(body, &arr); err != nil {
			return network.Request{}, nil, "invalid JSON"
		}
		if len(arr) == 0 {
			return network.Request{}, nil, "empty batch"
		}
		return network.Request{}, arr, ""
	}
	var req network.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return network.Request{}, nil, "invalid JSON"
	}
	if req.Query == "" {
		return network.Request{}, nil, "missing 'query'"
	}
	return req, nil, ""
}

// ------------------ Response formatting ------------------

func errorResponse(msg string) *network.Response {
	return &network.Response{Errors: network.ErrorList{{Message: msg}}}
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

const errBodyTooLargeMessage = "body too large"

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" || !originAllowed(opts, origin) {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func originAllowed(opts CORSOptions, origin string) bool {
	return contains(opts.AllowedOrigins, "*") || contains(opts.AllowedOrigins, origin)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
