// Package transport is the TransportAdapter: a gorilla/mux HTTP
// router that decodes requests, invokes the execution/fileops
// facades, and is the only place that maps a typed facade error to an
// HTTP status code. Grounded on original_source/src/main.py and
// src/api/files.py's route table and error-to-status mappings.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/cuemby/sandboxctl/internal/fileops"
	"github.com/cuemby/sandboxctl/internal/pathguard"
	"github.com/cuemby/sandboxctl/internal/runner"
	"github.com/cuemby/sandboxctl/internal/sberrors"
)

// Chart, Shell, and Script are the narrow facade slices the adapter
// depends on, kept separate so handlers can be tested against fakes
// without pulling in the container runtime.
type Chart interface {
	Run(ctx context.Context, code string, timeout time.Duration, memLimit string) ([]byte, error)
}

type Shell interface {
	Run(ctx context.Context, sessionID, command string, environment map[string]string, timeout time.Duration, memLimit string) (runner.Result, error)
}

type Script interface {
	Run(ctx context.Context, sessionID, code string, environment map[string]string, timeout time.Duration, memLimit string) (runner.Result, error)
}

// Files is the slice of *fileops.Facade the adapter depends on.
type Files interface {
	List(ctx context.Context, sessionID, userPath string) ([]fileops.Entry, pathguard.ResolvedPath, error)
	Read(ctx context.Context, sessionID, userPath string) (string, pathguard.ResolvedPath, error)
	Write(ctx context.Context, sessionID, userPath, content string) (pathguard.ResolvedPath, error)
	Delete(ctx context.Context, sessionID, userPath string) (pathguard.ResolvedPath, error)
	Mkdir(ctx context.Context, sessionID, userPath string) (pathguard.ResolvedPath, error)
}

// EnginePinger reports whether the container engine is reachable, for
// the /health endpoint's three-way status. Matches *client.Client.Ping's
// signature directly so the real engine client satisfies it with no
// adapter.
type EnginePinger interface {
	Ping(ctx context.Context) (types.Ping, error)
}

// Adapter wires the HTTP surface to the execution/fileops facades.
type Adapter struct {
	chart  Chart
	shell  Shell
	script Script
	files  Files
	pinger EnginePinger
	log    *logrus.Entry

	runTimeout    time.Duration
	scriptTimeout time.Duration
	memLimit      string
}

// New constructs an Adapter.
func New(chart Chart, shell Shell, script Script, files Files, pinger EnginePinger, log *logrus.Entry, runTimeout, scriptTimeout time.Duration, memLimit string) *Adapter {
	return &Adapter{
		chart: chart, shell: shell, script: script, files: files, pinger: pinger, log: log,
		runTimeout: runTimeout, scriptTimeout: scriptTimeout, memLimit: memLimit,
	}
}

// Router builds the full gorilla/mux route table described by spec.md §6.2.
func (a *Adapter) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/execute/python/chart", a.handleChart).Methods(http.MethodPost)
	r.HandleFunc("/execute/shell", a.handleShell).Methods(http.MethodPost)
	r.HandleFunc("/execute/python/script", a.handleScript).Methods(http.MethodPost)

	files := r.PathPrefix("/sessions/{session_id}/files").Subrouter()
	files.HandleFunc("", a.handleListFiles).Methods(http.MethodGet)
	files.HandleFunc("", a.handleDeleteFile).Methods(http.MethodDelete)
	files.HandleFunc("/content", a.handleReadFile).Methods(http.MethodGet)
	files.HandleFunc("/content", a.handleWriteFile).Methods(http.MethodPut)
	files.HandleFunc("/directories", a.handleMkdir).Methods(http.MethodPost)

	return r
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	engineStatus := "unavailable"
	if a.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if _, err := a.pinger.Ping(ctx); err != nil {
			engineStatus = "error connecting"
		} else {
			engineStatus = "available"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "engine_status": engineStatus})
}

type chartRequest struct {
	Code string `json:"code"`
}

func (a *Adapter) handleChart(w http.ResponseWriter, r *http.Request) {
	var req chartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, sberrors.Validationf("malformed request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, sberrors.Validationf("code cannot be empty"))
		return
	}

	png, err := a.chart.Run(r.Context(), req.Code, a.runTimeout, a.memLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type shellRequest struct {
	SessionID   string            `json:"session_id"`
	Command     string            `json:"command"`
	Environment map[string]string `json:"environment,omitempty"`
}

type execResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

func (a *Adapter) handleShell(w http.ResponseWriter, r *http.Request) {
	var req shellRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, sberrors.Validationf("malformed request body: %v", err))
		return
	}

	res, err := a.shell.Run(r.Context(), req.SessionID, req.Command, req.Environment, a.runTimeout, a.memLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execResponse{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode})
}

type scriptRequest struct {
	SessionID   string            `json:"session_id"`
	Code        string            `json:"code"`
	Environment map[string]string `json:"environment,omitempty"`
}

func (a *Adapter) handleScript(w http.ResponseWriter, r *http.Request) {
	var req scriptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, sberrors.Validationf("malformed request body: %v", err))
		return
	}

	res, err := a.script.Run(r.Context(), req.SessionID, req.Code, req.Environment, a.scriptTimeout, a.memLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execResponse{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode})
}

func (a *Adapter) handleListFiles(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	path := r.URL.Query().Get("path")

	entries, resolved, err := a.files.List(r.Context(), sessionID, path)
	if err != nil {
		writeError(w, err)
		return
	}
	type entryJSON struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON{Name: e.Name, Type: string(e.Type)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": resolved.String(), "entries": out})
}

func (a *Adapter) handleReadFile(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, sberrors.BadRequestf("path is required"))
		return
	}

	content, resolved, err := a.files.Read(r.Context(), sessionID, path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": resolved.String(), "content": content})
}

type writeFileRequest struct {
	Content string `json:"content"`
}

func (a *Adapter) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, sberrors.BadRequestf("path is required"))
		return
	}
	var req writeFileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, sberrors.BadRequestf("malformed request body: %v", err))
		return
	}

	if _, err := a.files.Write(r.Context(), sessionID, path, req.Content); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Adapter) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, sberrors.BadRequestf("path is required"))
		return
	}

	if _, err := a.files.Delete(r.Context(), sessionID, path); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Adapter) handleMkdir(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, sberrors.BadRequestf("path is required"))
		return
	}

	resolved, err := a.files.Mkdir(r.Context(), sessionID, path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "Directory created successfully", "path": resolved.String()})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Detail string `json:"detail"`
}

// writeError implements spec.md §7's error taxonomy → HTTP status map.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	writeJSON(w, status, errorBody{Detail: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sberrors.ErrInvalidPath), errors.Is(err, sberrors.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, sberrors.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sberrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sberrors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, sberrors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, sberrors.ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, sberrors.ErrUserExecution):
		return http.StatusBadRequest
	case errors.Is(err, sberrors.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, sberrors.ErrStorageUnavailable),
		errors.Is(err, sberrors.ErrEngineError),
		errors.Is(err, sberrors.ErrBadConfig):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
