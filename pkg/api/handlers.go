package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/ingress"
	"github.com/cuemby/darkroom/pkg/types"
)

type listResponse struct {
	Photos []*types.PhotoRecord `json:"photos"`
	Count  int                  `json:"count"`
}

// handleUpload accepts either a multipart form with a "file" part or a
// raw image body. Identity and routing fields come from query
// parameters, with multipart form values as fallback.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+uploadOverheadBytes)

	data, opts, err := s.readUpload(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.ingress.Upload(r.Context(), data, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) readUpload(r *http.Request) ([]byte, ingress.UploadOptions, error) {
	q := r.URL.Query()
	opts := ingress.UploadOptions{
		OriginalName: q.Get("name"),
		ClientID:     q.Get("client_id"),
		SessionID:    q.Get("session_id"),
		UserID:       q.Get("user_id"),
		Pipeline:     q.Get("pipeline"),
		TraceID:      traceIDFrom(r.Context()),
	}
	if v := q.Get("priority"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, opts, errdefs.New(errdefs.KindValidationFailed, "priority must be an integer, got %q", v)
		}
		opts.Priority = n
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return s.readMultipartUpload(r, opts)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, opts, uploadReadError(err)
	}
	opts.ContentType = r.Header.Get("Content-Type")
	return data, opts, nil
}

func (s *Server) readMultipartUpload(r *http.Request, opts ingress.UploadOptions) ([]byte, ingress.UploadOptions, error) {
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		return nil, opts, uploadReadError(err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, opts, errdefs.New(errdefs.KindValidationFailed, `multipart upload requires a "file" part`)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, opts, uploadReadError(err)
	}

	if opts.OriginalName == "" {
		opts.OriginalName = header.Filename
	}
	opts.ContentType = header.Header.Get("Content-Type")
	formFallback(&opts.ClientID, r, "client_id")
	formFallback(&opts.SessionID, r, "session_id")
	formFallback(&opts.UserID, r, "user_id")
	formFallback(&opts.Pipeline, r, "pipeline")
	return data, opts, nil
}

// multipartMemoryLimit is the in-memory threshold for multipart parsing;
// larger parts spill to temp files. The body size cap is separate.
const multipartMemoryLimit = 8 << 20

func formFallback(dst *string, r *http.Request, field string) {
	if *dst == "" {
		*dst = r.FormValue(field)
	}
}

func uploadReadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return errdefs.New(errdefs.KindValidationFailed, "upload exceeds the %d byte request limit", maxErr.Limit)
	}
	return errdefs.Wrap(errdefs.KindValidationFailed, err, "read upload body")
}

func (s *Server) handleGetPhoto(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ingress.Get(r.Context(), chi.URLParam(r, "photoID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleList serves list and search from one endpoint: ?q= searches,
// otherwise ?client_id= or ?user_id= selects the listing.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := queryInt(q.Get("limit"), 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var photos []*types.PhotoRecord
	switch {
	case q.Get("q") != "":
		photos, err = s.ingress.Search(r.Context(), q.Get("q"), limit)
	case q.Get("client_id") != "":
		photos, err = s.ingress.List(r.Context(), q.Get("client_id"), limit, offset)
	case q.Get("user_id") != "":
		photos, err = s.ingress.ListByUser(r.Context(), q.Get("user_id"), limit, offset)
	default:
		err = errdefs.New(errdefs.KindValidationFailed, "one of client_id, user_id, or q is required")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Photos: photos, Count: len(photos)})
}

func (s *Server) handleDeletePhoto(w http.ResponseWriter, r *http.Request) {
	if err := s.ingress.Delete(r.Context(), chi.URLParam(r, "photoID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	url, err := s.ingress.Download(r.Context(), chi.URLParam(r, "photoID"), r.URL.Query().Get("artifact"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	photoID := chi.URLParam(r, "photoID")
	if err := s.ingress.Cancel(r.Context(), photoID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"photo_id": photoID,
		"status":   "cancel_requested",
	})
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errdefs.New(errdefs.KindValidationFailed, "expected an integer, got %q", raw)
	}
	return n, nil
}
