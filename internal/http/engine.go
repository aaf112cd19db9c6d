package enginehttp

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/theroutercompany/engine_manager/internal/auth"
	"github.com/theroutercompany/engine_manager/internal/loader"
	"github.com/theroutercompany/engine_manager/pkg/engine"
	"github.com/theroutercompany/engine_manager/pkg/problem"
)

type versionResponse struct {
	EngineVersion int `json:"engineVersion"`
}

type libPathResponse struct {
	Version string  `json:"version"`
	Path    *string `json:"path"`
}

type librariesResponse struct {
	Version   string   `json:"version"`
	Libraries []string `json:"libraries"`
	Raw       *string  `json:"raw"`
}

type installResponse struct {
	Version   string `json:"version"`
	Installed bool   `json:"installed"`
}

func (s *Server) handleEngineVersion(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w, r) {
		return
	}
	ctx, cancel := s.callContext(r.Context())
	defer cancel()

	version, err := s.engine.EngineVersion(ctx)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{EngineVersion: version})
}

func (s *Server) handleLibPath(w http.ResponseWriter, r *http.Request) {
	version, ok := s.versionParam(w, r)
	if !ok || !s.requireEngine(w, r) {
		return
	}
	ctx, cancel := s.callContext(r.Context())
	defer cancel()

	path, err := s.engine.LibPathByVersion(ctx, version)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, libPathResponse{Version: version, Path: present(path)})
}

func (s *Server) handleLibraries(w http.ResponseWriter, r *http.Request) {
	version, ok := s.versionParam(w, r)
	if !ok || !s.requireEngine(w, r) {
		return
	}
	ctx, cancel := s.callContext(r.Context())
	defer cancel()

	list, err := s.engine.LibraryList(ctx, version)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, librariesResponse{
		Version:   version,
		Libraries: engine.ParseLibraryList(list),
		Raw:       present(list),
	})
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	grant := s.authorize(w, r, auth.ScopeInstall)
	if grant == nil {
		return
	}
	version, ok := s.versionParam(w, r)
	if !ok {
		return
	}
	if err := grant.AllowsVersion(version); err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	if !s.requireEngine(w, r) {
		return
	}
	ctx, cancel := s.callContext(r.Context())
	defer cancel()

	installed, err := s.engine.InstallVersion(ctx, version)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.logger.Infow("install requested over http",
		"version", version,
		"installed", installed,
		"subject", grant.Subject,
		"requestId", requestIDFromContext(r.Context()),
	)
	writeJSON(w, http.StatusOK, installResponse{Version: version, Installed: installed})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	version := strings.TrimSpace(r.URL.Query().Get("version"))
	res, err := s.loader.Load(r.Context(), version)
	if err != nil {
		if errors.Is(err, loader.ErrInvalidVersion) {
			problem.Write(w, http.StatusBadRequest, "Invalid Version", err.Error(), traceIDFromContext(r.Context()), r.URL.Path)
			return
		}
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) versionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	version := strings.TrimSpace(r.URL.Query().Get("version"))
	if version == "" {
		problem.Write(w, http.StatusBadRequest, "Missing Version", "Query parameter version is required", traceIDFromContext(r.Context()), r.URL.Path)
		return "", false
	}
	return version, true
}

func (s *Server) requireEngine(w http.ResponseWriter, r *http.Request) bool {
	if s.engine != nil {
		return true
	}
	problem.Write(w, http.StatusServiceUnavailable, "Engine Manager Unavailable", "No engine manager is bound", traceIDFromContext(r.Context()), r.URL.Path)
	return false
}

func (s *Server) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout := s.cfg.Engine.CallTimeout.AsDuration(); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	traceID := traceIDFromContext(r.Context())
	s.logger.Errorw("engine manager call failed",
		"path", r.URL.Path,
		"error", err,
		"traceId", traceID,
	)
	switch {
	case errors.Is(err, engine.ErrRemoteCall):
		problem.Write(w, http.StatusBadGateway, "Remote Call Failed", err.Error(), traceID, r.URL.Path)
	case errors.Is(err, context.DeadlineExceeded):
		problem.Write(w, http.StatusGatewayTimeout, "Engine Manager Timeout", err.Error(), traceID, r.URL.Path)
	default:
		problem.Write(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), traceID, r.URL.Path)
	}
}

// present maps the empty string to an absent JSON value.
func present(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
