package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"wcsync/internal/editor"
	"wcsync/internal/errors"
	"wcsync/internal/logging"
	"wcsync/internal/metrics"
	"wcsync/internal/reporter"
	"wcsync/internal/repository"
	"wcsync/internal/safe"
	"wcsync/internal/transport"

	"go.uber.org/zap"
)

// maxBody bounds request bodies, which carry whole commits.
const maxBody = 256 << 20

type Handler struct {
	repo       *repository.Repository
	logger     *logging.Logger
	compressor *safe.Compressor
}

// NewHandler serves repo. compressor may be nil to never compress.
func NewHandler(repo *repository.Repository, logger *logging.Logger, compressor *safe.Compressor) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{repo: repo, logger: logger, compressor: compressor}
}

func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET "+PathInfo, h.Info)
	mux.HandleFunc("POST "+PathCommit, h.Commit)
	mux.HandleFunc("POST "+PathUpdate, h.Update)
	mux.HandleFunc("POST "+PathStatus, h.Status)
	mux.HandleFunc("POST "+PathCheckout, h.Checkout)
	mux.HandleFunc("GET "+PathFetch, h.Fetch)
	mux.HandleFunc("POST "+PathLock, h.Lock)
	mux.HandleFunc("POST "+PathUnlock, h.Unlock)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy"}`))
}

func (h *Handler) session(r *http.Request) *repository.Conn {
	return h.repo.Session(&logging.Logger{Logger: h.logger.WithRequestID(r.Context())})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
		return errors.ValidationError("invalid request body", err.Error())
	}
	return nil
}

func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	info, err := h.session(r).Info(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	var body CommitBody
	if err := decode(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	ed, err := h.session(r).CommitEditor(r.Context(), body.Request)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	info, err := editor.Replay(body.Calls, ed)
	if err == nil && info == nil {
		ed.AbortEdit()
		err = errors.Protocol("commit did not close the edit")
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

func (h *Handler) drive(w http.ResponseWriter, r *http.Request, kind string) {
	var body DriveBody
	if err := decode(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	conn := h.session(r)
	rec := editor.NewRecorder(nil)
	ed := editor.NewChecker(rec)

	var err error
	switch kind {
	case "update":
		err = conn.Update(r.Context(), body.Request, reporter.Replay(body.Report), ed)
	case "status":
		err = conn.Status(r.Context(), body.Request, reporter.Replay(body.Report), ed)
	default:
		err = conn.Checkout(r.Context(), body.Request, ed)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, EditResponse{Calls: rec.Calls()})
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	h.drive(w, r, "update")
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.drive(w, r, "status")
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	h.drive(w, r, "checkout")
}

func (h *Handler) Fetch(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		h.writeError(w, r, errors.ValidationError("missing url", nil))
		return
	}
	rev := int64(-1)
	if v := r.URL.Query().Get("rev"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeError(w, r, errors.ValidationError("invalid revision", v))
			return
		}
		rev = n
	}
	text, err := h.session(r).Fetch(r.Context(), url, rev)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	h.write(w, r, http.StatusOK, url, text)
}

func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	var req transport.LockRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	lock, err := h.session(r).Lock(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, lock)
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var body UnlockBody
	if err := decode(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.session(r).Unlock(r.Context(), body.URL, body.Token); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.WithRequestID(r.Context()).Error("encoding response", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	h.write(w, r, status, "body.json", data)
}

// write sends data, zstd compressed when the client accepts it and it
// is worth it.
func (h *Handler) write(w http.ResponseWriter, r *http.Request, status int, name string, data []byte) {
	if h.compressor != nil && strings.Contains(r.Header.Get("Accept-Encoding"), EncodingZstd) {
		out, compressed, err := h.compressor.Compress(name, data)
		if err != nil {
			h.logger.WithRequestID(r.Context()).Warn("compressing response", zap.Error(err))
		} else if compressed {
			w.Header().Set("Content-Encoding", EncodingZstd)
			data = out
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	w.Write(data)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := errors.As(err)
	if !ok {
		e = errors.Internal(err.Error(), err)
	}
	logger := h.logger.WithRequestID(r.Context())
	if e.Code >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	} else {
		logger.Info("request rejected", zap.String("type", string(e.Type)), zap.Error(err))
	}
	h.writeJSON(w, r, e.Code, ErrorResponse{Error: e})
}
