package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/codegate/internal/dispatch"
	"github.com/mattjoyce/codegate/internal/errs"
	"github.com/mattjoyce/codegate/internal/workspace"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	// multipartMemory is how much of a multipart body is held in memory
	// before file parts spill to temp files.
	multipartMemory = 32 << 20
)

// handleHealth handles GET /health (no auth).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.executor.Health())
}

// handleExecute handles POST /api/execute with a JSON or multipart body and
// blocks until the job finishes.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var (
		req dispatch.Request
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		req, err = s.decodeMultipartExecute(r)
	} else {
		req, err = s.decodeJSONExecute(r)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.executor.Execute(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) decodeJSONExecute(r *http.Request) (dispatch.Request, error) {
	var req dispatch.Request
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return req, bodyReadError(err)
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return req, errs.New(errs.KindValidation, "invalid JSON body")
	}
	if err := validateDocument(s.schema, doc); err != nil {
		return req, errs.New(errs.KindValidation, "%s", err.Error())
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, errs.New(errs.KindValidation, "invalid JSON body")
	}
	return req, nil
}

// decodeMultipartExecute reads the form fields and file parts, then runs the
// result through the same schema as a JSON body.
func (s *Server) decodeMultipartExecute(r *http.Request) (dispatch.Request, error) {
	var req dispatch.Request
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return req, bodyReadError(err)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req.Prompt = r.FormValue("prompt")
	req.Provider = r.FormValue("provider")
	req.Model = r.FormValue("model")
	if v := strings.TrimSpace(r.FormValue("timeoutMs")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, errs.New(errs.KindValidation, "timeoutMs: must be an integer")
		}
		req.TimeoutMs = n
	}

	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			return req, errs.Wrap(errs.KindValidation, err, "read file part %q", fh.Filename)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return req, errs.Wrap(errs.KindValidation, err, "read file part %q", fh.Filename)
		}
		req.Files = append(req.Files, workspace.FileEntry{
			Path:     fh.Filename,
			Content:  string(data),
			Encoding: workspace.EncodingUTF8,
		})
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return req, fmt.Errorf("encode multipart request: %w", err)
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return req, fmt.Errorf("decode multipart request: %w", err)
	}
	if err := validateDocument(s.schema, doc); err != nil {
		return req, errs.New(errs.KindValidation, "%s", err.Error())
	}
	return req, nil
}

func bodyReadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errs.New(errs.KindValidation, "request body exceeds %d bytes", tooLarge.Limit)
	}
	return errs.Wrap(errs.KindValidation, err, "invalid request body")
}

// handleCancel handles POST /api/cancel/{requestId}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestId")
	if !s.executor.Cancel(id) {
		s.writeError(w, errs.New(errs.KindNotFound, "No active execution with id: %s", id))
		return
	}
	respondJSON(w, http.StatusOK, CancelResponse{RequestID: id, Status: "cancelled"})
}

// handleProviders handles GET /api/providers.
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ProvidersResponse{Providers: s.providers.List()})
}

// handleExecutions handles GET /api/executions.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ExecutionsResponse{Executions: s.executor.Active()})
}

// handleHistory handles GET /api/history?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, errs.New(errs.KindNotFound, "execution history is disabled"))
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			s.writeError(w, errs.New(errs.KindValidation, "limit must be an integer between 1 and %d", maxHistoryLimit))
			return
		}
		limit = n
	}

	recs, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read execution history", "error", err)
		s.writeError(w, errs.Wrap(errs.KindInternal, err, "read execution history"))
		return
	}
	respondJSON(w, http.StatusOK, HistoryResponse{Executions: recs})
}

// handleOpenAPI handles GET /api/openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.providers.List()))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps err's kind to a status and error code. Internal errors are
// logged and reported with a generic message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	if kind == errs.KindInternal {
		s.logger.Error("unhandled error", "error", err)
	}
	s.writeErrorCode(w, kind.HTTPStatus(), kind.Code(), errs.Message(err))
}

func (s *Server) writeErrorCode(w http.ResponseWriter, statusCode int, code, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}
