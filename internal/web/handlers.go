package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/shpitdev/meta-enhancer/internal/app"
	"github.com/shpitdev/meta-enhancer/internal/columns"
	"github.com/shpitdev/meta-enhancer/internal/logging"
	"github.com/shpitdev/meta-enhancer/internal/pipeline"
	"github.com/shpitdev/meta-enhancer/internal/quota"
	"github.com/shpitdev/meta-enhancer/internal/version"
	localio "github.com/shpitdev/meta-enhancer/pkg/pipeline/io/local"
	"github.com/shpitdev/meta-enhancer/pkg/pipeline/redact"
	"go.uber.org/zap"
)

// ErrorResponse is the JSON body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`

	// Detection is set when columns could not be determined, so the client can ask
	// the user to pick them.
	Detection *columns.Result `json:"detection,omitempty"`
}

// upload is a parsed request carrying CSV text.
type upload struct {
	table    localio.Table
	filename string
	titleSel string
	descSel  string
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Current,
		"backend": s.runner.BackendName(),
	})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	up, err := s.readUpload(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.runner.Detect(up.table.Headers))
}

type detectedEvent struct {
	RunID      string          `json:"runId"`
	Filename   string          `json:"filename,omitempty"`
	HeaderLine string          `json:"headerLine"`
	Detection  columns.Result  `json:"detection"`
	Mapping    columns.Mapping `json:"mapping"`
	Rows       []pipeline.Row  `json:"rows"`
	Skipped    int             `json:"skipped"`
}

type rowEvent struct {
	Index       int                  `json:"index"`
	Row         pipeline.Row         `json:"row"`
	Title       pipeline.FieldResult `json:"title"`
	Description pipeline.FieldResult `json:"description"`
}

// handleEnhance prepares a run and streams its progress as Server-Sent Events.
// Input, detection and quota errors are answered as JSON before the stream starts.
func (s *Server) handleEnhance(w http.ResponseWriter, r *http.Request) {
	up, err := s.readUpload(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx := r.Context()
	job, err := s.runner.Prepare(ctx, callerID(r), up.table, up.titleSel, up.descSel)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(event string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		_ = rc.Flush()
	}

	send("detected", detectedEvent{
		RunID:      job.ID,
		Filename:   up.filename,
		HeaderLine: job.Table.HeaderLine,
		Detection:  job.Detection,
		Mapping:    job.Mapping,
		Rows:       job.Rows,
		Skipped:    job.Skipped,
	})

	sum, err := s.runner.Run(ctx, job, func(ev pipeline.Event) {
		switch ev.Kind {
		case pipeline.EventRowStarted:
			send(string(pipeline.EventRowStarted), map[string]int{"index": ev.Index})
		case pipeline.EventRowCompleted:
			send("row", rowEvent{
				Index:       ev.Index,
				Row:         job.Rows[ev.Index],
				Title:       ev.Title,
				Description: ev.Description,
			})
		}
	})
	if err != nil {
		logging.FromContext(ctx).Info("enhancement stream ended early",
			zap.String("run_id", job.ID),
			zap.String("error", redact.Secrets(err.Error())),
		)
		return
	}
	send(string(pipeline.EventDone), sum)
}

// ExportRequest is the body of POST /api/export. Rows may carry user edits.
type ExportRequest struct {
	Filename   string          `json:"filename"`
	HeaderLine string          `json:"headerLine"`
	Headers    []string        `json:"headers"`
	Mapping    columns.Mapping `json:"mapping"`
	Rows       []pipeline.Row  `json:"rows"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err := dec.Decode(&req); err != nil {
		s.respondError(w, r, badRequest(fmt.Errorf("decode export request: %w", err)))
		return
	}
	if len(req.Headers) == 0 {
		s.respondError(w, r, badRequest(errors.New("headers are required")))
		return
	}
	if err := req.Mapping.Validate(len(req.Headers)); err != nil {
		s.respondError(w, r, badRequest(err))
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": localio.ExportFilename(req.Filename),
	}))
	if err := app.WriteExport(w, req.HeaderLine, req.Headers, req.Mapping, req.Rows); err != nil {
		logging.FromContext(r.Context()).Warn("export write failed", zap.Error(err))
	}
}

// readUpload accepts either a multipart form with a "file" part or a raw CSV body.
// Column selections come from the form fields or query parameters title_column and
// description_column.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	var (
		in       io.Reader
		filename string
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(s.maxUpload); err != nil {
			return upload{}, badRequestOrSize(fmt.Errorf("parse multipart form: %w", err))
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			return upload{}, badRequest(fmt.Errorf("missing file part: %w", err))
		}
		defer func() {
			_ = f.Close()
		}()
		in, filename = f, hdr.Filename
	} else {
		in, filename = r.Body, r.URL.Query().Get("filename")
	}

	table, err := s.runner.ReadTable(in)
	if err != nil {
		return upload{}, badRequestOrSize(err)
	}
	return upload{
		table:    table,
		filename: filename,
		titleSel: formOrQuery(r, "title_column"),
		descSel:  formOrQuery(r, "description_column"),
	}, nil
}

func formOrQuery(r *http.Request, key string) string {
	if r.MultipartForm != nil {
		if v := r.MultipartForm.Value[key]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(key))
}

func callerID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(CallerHeader)); id != "" {
		return id
	}
	return anonymousCaller
}

// requestError carries a client error that has no typed error of its own.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }

func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &requestError{err: err}
}

func badRequestOrSize(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) || localio.IsInputError(err) {
		return err
	}
	return badRequest(err)
}

// respondError maps err to a status and JSON body, and logs it.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := classify(err)

	logger := logging.FromContext(r.Context())
	fields := []zap.Field{
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("code", resp.Code),
		zap.String("error", redact.Secrets(err.Error())),
	}
	if status >= 500 {
		logger.Error("request error", fields...)
	} else {
		logger.Info("request rejected", fields...)
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, ErrorResponse) {
	var (
		mbe *http.MaxBytesError
		sle *localio.SizeLimitError
		pe  *localio.ParseError
		ue  *app.UncertainError
		re  *requestError
	)
	switch {
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge, ErrorResponse{Error: fmt.Sprintf("upload exceeds %d bytes", mbe.Limit), Code: "upload_too_large"}
	case errors.As(err, &sle):
		return http.StatusRequestEntityTooLarge, ErrorResponse{Error: sle.Error(), Code: "too_many_rows"}
	case errors.As(err, &pe):
		return http.StatusBadRequest, ErrorResponse{Error: pe.Error(), Code: "invalid_csv"}
	case errors.As(err, &ue):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: ue.Error(), Code: "columns_uncertain", Detection: &ue.Detection}
	case errors.Is(err, app.ErrColumnSelection):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_column"}
	case errors.Is(err, quota.ErrExhausted):
		return http.StatusTooManyRequests, ErrorResponse{Error: err.Error(), Code: "quota_exhausted"}
	case errors.As(err, &re):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "bad_request"}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal"}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
