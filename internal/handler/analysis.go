package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/google/uuid"

	"github.com/DukeRupert/meanas/internal/auth"
	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/service"
)

const (
	// maxAnalysisBody allows the maximum number of full-size images plus
	// room for the text fields.
	maxAnalysisBody = domain.MaxImagesPerAnalysis*domain.MaxImageSize + 1<<20

	// multipartMemory is how much of a form is held in memory before
	// spilling to temp files.
	multipartMemory = 32 << 20
)

// AnalysisHandler serves the metered analysis features and the projects
// they produce.
//
// Routes handled:
//   - POST   /analysis/{kind}  -> Analyze (metered)
//   - GET    /projects         -> ListProjects
//   - DELETE /projects/{id}    -> DeleteProject
type AnalysisHandler struct {
	analysis service.AnalysisService
	logger   *slog.Logger
}

// NewAnalysisHandler creates a new AnalysisHandler.
func NewAnalysisHandler(analysis service.AnalysisService, logger *slog.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		analysis: analysis,
		logger:   logger,
	}
}

// RegisterRoutes registers analysis routes. metered wraps the feature
// with authentication, rate limiting and the entitlement gate.
func (h *AnalysisHandler) RegisterRoutes(mux *http.ServeMux, requireUser, metered func(http.Handler) http.Handler) {
	mux.Handle("POST /analysis/{kind}", metered(http.HandlerFunc(h.Analyze)))
	mux.Handle("GET /projects", requireUser(http.HandlerFunc(h.ListProjects)))
	mux.Handle("DELETE /projects/{id}", requireUser(http.HandlerFunc(h.DeleteProject)))
}

// Analyze reads a multipart form with title, description and one or more
// images. Any other text field is passed to the model as a parameter.
func (h *AnalysisHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	const op = "handler.analyze"

	ent, ok := auth.GetEntitlement(r.Context())
	if !ok {
		ErrorResponse(w, r, h.logger, domain.Internal(errors.New("entitlement gate not installed"), op, ""))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAnalysisBody)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ErrorResponse(w, r, h.logger, domain.Errorf(domain.ETOOLARGE, op, "request body is too large"))
			return
		}
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "request must be multipart/form-data"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req := domain.AnalysisRequest{
		UserID:      ent.UserID,
		Kind:        domain.AnalysisKind(r.PathValue("kind")),
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Parameters:  make(map[string]string),
	}
	for name, values := range r.MultipartForm.Value {
		if name == "title" || name == "description" || len(values) == 0 {
			continue
		}
		req.Parameters[name] = values[0]
	}

	images, err := readImages(r.MultipartForm.File["images"])
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "images could not be read"))
		return
	}
	req.Images = images

	result, err := h.analysis.Analyze(r.Context(), ent, req)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	// The unit was spent with the project; the gate must not charge again.
	auth.MarkConsumed(r.Context(), result.Entitlement)

	WriteJSON(w, http.StatusCreated, result.Project)
}

// ListProjects returns the caller's saved analyses, newest first.
func (h *AnalysisHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.analysis.ListProjects(r.Context(), auth.GetUserID(r.Context()))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if projects == nil {
		projects = []domain.Project{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// DeleteProject removes one of the caller's saved analyses.
func (h *AnalysisHandler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	const op = "handler.delete_project"

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "invalid project id"))
		return
	}
	if err := h.analysis.DeleteProject(r.Context(), auth.GetUserID(r.Context()), id); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readImages(files []*multipart.FileHeader) ([]domain.AnalysisImage, error) {
	images := make([]domain.AnalysisImage, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(io.LimitReader(f, domain.MaxImageSize+1))
		_ = f.Close()
		if err != nil {
			return nil, err
		}
		images = append(images, domain.AnalysisImage{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return images, nil
}
