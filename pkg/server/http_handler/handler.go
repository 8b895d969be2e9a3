package http_handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/PeerPigeon/PigeonNS/pkg/cache"
)

var nopLogger = zap.NewNop()

// Resolver is the part of the engine the HTTP façade consumes.
type Resolver interface {
	Resolve(ctx context.Context, name string, qtype uint16) (string, error)
	CacheSnapshot() map[string]cache.SnapshotEntry
	CacheLen() int
}

type HandlerOpts struct {
	Resolver Resolver
	Logger   *zap.Logger
}

func (opts *HandlerOpts) init() error {
	if opts.Resolver == nil {
		return errors.New("nil resolver")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Handler serves the read-only resolve API:
//
//	GET /resolve?name=<hostname>&type=<A|AAAA>[&timeout=<ms>]
//	GET /health
//
// All responses are JSON and CORS-open. Only GET and OPTIONS are
// accepted.
type Handler struct {
	opts HandlerOpts
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &Handler{opts: opts}, nil
}

type resolveReply struct {
	Hostname string `json:"hostname"`
	Type     string `json:"type"`
	Address  string `json:"address"`
}

type errorReply struct {
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode"`
}

type healthReply struct {
	Status string     `json:"status"`
	Cache  cacheReply `json:"cache"`
}

type cacheReply struct {
	Size    int                            `json:"size"`
	Entries map[string]cache.SnapshotEntry `json:"entries"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", "*")

	switch req.Method {
	case http.MethodOptions:
		hdr.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		hdr.Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch req.URL.Path {
	case "/resolve":
		h.handleResolve(w, req)
	case "/health":
		h.handleHealth(w)
	default:
		h.writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) handleResolve(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()

	name := query.Get("name")
	if len(name) == 0 {
		h.writeError(w, http.StatusBadRequest, "missing name parameter")
		return
	}

	typ := query.Get("type")
	if len(typ) == 0 {
		typ = "A"
	}
	qtype, ok := dns.StringToType[typ]
	if !ok || (qtype != dns.TypeA && qtype != dns.TypeAAAA) {
		h.writeError(w, http.StatusBadRequest, "type must be A or AAAA")
		return
	}

	ctx := req.Context()
	if ms := query.Get("timeout"); len(ms) > 0 {
		n, err := strconv.Atoi(ms)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid timeout parameter")
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(n)*time.Millisecond)
		defer cancel()
	}

	addr, err := h.opts.Resolver.Resolve(ctx, name, qtype)
	if err != nil {
		h.opts.Logger.Debug("resolve failed",
			zap.String("name", name), zap.String("type", typ), zap.Error(err))
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, resolveReply{
		Hostname: name,
		Type:     typ,
		Address:  addr,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter) {
	h.writeJSON(w, http.StatusOK, healthReply{
		Status: "ok",
		Cache: cacheReply{
			Size:    h.opts.Resolver.CacheLen(),
			Entries: h.opts.Resolver.CacheSnapshot(),
		},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.opts.Logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorReply{Error: msg, StatusCode: status})
}
