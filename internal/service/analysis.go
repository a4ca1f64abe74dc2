package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/DukeRupert/meanas/internal/ai"
	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/metrics"
	"github.com/DukeRupert/meanas/internal/repository"
	"github.com/DukeRupert/meanas/internal/storage"
)

// DefaultAnalysisTimeout bounds one provider call, retries included.
const DefaultAnalysisTimeout = 5 * time.Minute

// =============================================================================
// Image Normalization
// =============================================================================

// ImageNormalizer turns an uploaded image into the JPEG sent to the provider.
type ImageNormalizer interface {
	Normalize(data []byte) ([]byte, error)
}

type imagingNormalizer struct {
	maxDimension int
	quality      int
}

// NewImageNormalizer returns a normalizer that applies EXIF orientation,
// shrinks the longest edge to maxDimension and re-encodes as JPEG.
func NewImageNormalizer(maxDimension, quality int) ImageNormalizer {
	return &imagingNormalizer{maxDimension: maxDimension, quality: quality}
}

func (n *imagingNormalizer) Normalize(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	if b.Dx() > n.maxDimension || b.Dy() > n.maxDimension {
		img = imaging.Fit(img, n.maxDimension, n.maxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(n.quality)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// =============================================================================
// Interface Definition
// =============================================================================

// AnalysisService runs the metered vision analyses and keeps their results.
type AnalysisService interface {
	// Analyze stores the images, asks the provider and saves the answer as
	// a project under ent's subscription. The project is saved in the same
	// transaction that spends ent's unit. When a concurrent request took
	// the last unit, nothing is saved, the images are deleted and the usage
	// exhausted error is returned.
	Analyze(ctx context.Context, ent domain.Entitlement, req domain.AnalysisRequest) (domain.AnalysisResult, error)

	// ListProjects returns the user's saved analyses, newest first.
	ListProjects(ctx context.Context, userID string) ([]domain.Project, error)

	// DeleteProject removes one of the user's projects and its images.
	// Another user's project is reported as not found.
	DeleteProject(ctx context.Context, userID string, id uuid.UUID) error
}

// =============================================================================
// Implementation
// =============================================================================

type analysisService struct {
	store        repository.Store
	entitlements EntitlementService
	storage      storage.Storage
	provider     ai.Provider
	normalizer   ImageNormalizer
	timeout      time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewAnalysisService creates a new AnalysisService. A zero timeout uses
// DefaultAnalysisTimeout.
func NewAnalysisService(
	store repository.Store,
	entitlements EntitlementService,
	blobs storage.Storage,
	provider ai.Provider,
	normalizer ImageNormalizer,
	timeout time.Duration,
	logger *slog.Logger,
) AnalysisService {
	if timeout <= 0 {
		timeout = DefaultAnalysisTimeout
	}
	return &analysisService{
		store:        store,
		entitlements: entitlements,
		storage:      blobs,
		provider:     provider,
		normalizer:   normalizer,
		timeout:      timeout,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *analysisService) Analyze(ctx context.Context, ent domain.Entitlement, req domain.AnalysisRequest) (domain.AnalysisResult, error) {
	const op = "analysis.analyze"

	if err := validateAnalysisRequest(op, req); err != nil {
		return domain.AnalysisResult{}, err
	}

	keys, urls, err := s.upload(ctx, req)
	if err != nil {
		return domain.AnalysisResult{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.provider.Analyze(callCtx, ai.AnalyzeParams{
		Kind:        req.Kind.String(),
		Title:       req.Title,
		Description: req.Description,
		Parameters:  req.Parameters,
		ImageURLs:   urls,
		UserID:      req.UserID,
	})
	if err != nil {
		metrics.AICallRecorded(s.provider.Name(), "error", 0, 0)
		s.discard(keys)
		return domain.AnalysisResult{}, providerError(op, err)
	}
	metrics.AICallRecorded(s.provider.Name(), "success", result.Usage.InputTokens, result.Usage.OutputTokens)

	project := domain.Project{
		ID:             uuid.New(),
		UserID:         req.UserID,
		SubscriptionID: ent.SubscriptionID,
		Kind:           req.Kind,
		Title:          req.Title,
		Description:    req.Description,
		ImageKeys:      keys,
		ImageURLs:      urls,
		Response:       result.Text,
		Model:          result.Usage.Model,
		CreatedAt:      s.now().UTC(),
	}

	// The provider has answered; a client disconnect must not lose the
	// project or the unit it paid with.
	saveCtx := context.WithoutCancel(ctx)
	updated, err := s.entitlements.Commit(saveCtx, ent, func(ctx context.Context, q repository.Queries) error {
		if err := q.CreateProject(ctx, project); err != nil {
			return domain.Internal(err, op, "failed to save analysis")
		}
		return nil
	})
	if err != nil {
		s.discard(keys)
		if domain.ErrorCode(err) == domain.EPAYMENT {
			s.logger.Warn("analysis discarded, usage exhausted by a concurrent request",
				"user_id", req.UserID,
				"subscription_id", ent.SubscriptionID,
				"kind", req.Kind,
			)
		}
		return domain.AnalysisResult{}, err
	}

	s.logger.Info("analysis completed",
		"user_id", req.UserID,
		"project_id", project.ID,
		"kind", req.Kind,
		"images", len(keys),
		"model", result.Usage.Model,
		"duration", time.Since(start),
	)

	return domain.AnalysisResult{Project: project, Entitlement: updated}, nil
}

func (s *analysisService) ListProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	const op = "analysis.list_projects"

	if userID == "" {
		return nil, domain.Unauthorized(op, "authentication required")
	}
	projects, err := s.store.ListProjects(ctx, userID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list projects")
	}
	return projects, nil
}

func (s *analysisService) DeleteProject(ctx context.Context, userID string, id uuid.UUID) error {
	const op = "analysis.delete_project"

	if userID == "" {
		return domain.Unauthorized(op, "authentication required")
	}
	project, err := s.store.DeleteProject(ctx, userID, id)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.NotFound(op, "project", id.String())
	}
	if err != nil {
		return domain.Internal(err, op, "failed to delete project")
	}

	s.discard(project.ImageKeys)
	s.logger.Info("project deleted", "user_id", userID, "project_id", id, "images", len(project.ImageKeys))
	return nil
}

// upload normalizes and stores every image, returning keys and the public
// URLs the provider will fetch. Already stored images are removed when a
// later one fails.
func (s *analysisService) upload(ctx context.Context, req domain.AnalysisRequest) ([]string, []string, error) {
	const op = "analysis.upload"

	keys := make([]string, 0, len(req.Images))
	urls := make([]string, 0, len(req.Images))

	for i, img := range req.Images {
		data, err := s.normalizer.Normalize(img.Data)
		if err != nil {
			metrics.ImagesUploaded.WithLabelValues("invalid").Inc()
			s.discard(keys)
			return nil, nil, domain.Invalid(op, fmt.Sprintf("image %d could not be read", i+1))
		}

		key := storage.UploadKey(req.UserID, "jpg")
		err = s.storage.Put(ctx, key, bytes.NewReader(data), storage.PutOptions{
			ContentType: "image/jpeg",
			MaxSize:     domain.MaxImageSize,
			Public:      true,
		})
		if err != nil {
			metrics.ImagesUploaded.WithLabelValues("error").Inc()
			s.discard(keys)
			return nil, nil, domain.Unavailable(err, op, "failed to store image")
		}
		keys = append(keys, key)

		url, err := s.storage.URL(ctx, key, 0)
		if err != nil {
			metrics.ImagesUploaded.WithLabelValues("error").Inc()
			s.discard(keys)
			return nil, nil, domain.Unavailable(err, op, "failed to store image")
		}
		urls = append(urls, url)
		metrics.ImagesUploaded.WithLabelValues("success").Inc()
	}

	return keys, urls, nil
}

// discard deletes stored images, best effort.
func (s *analysisService) discard(keys []string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := s.storage.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to delete uploaded image", "key", key, "error", err)
		}
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func validateAnalysisRequest(op string, req domain.AnalysisRequest) error {
	if req.UserID == "" {
		return domain.Unauthorized(op, "authentication required")
	}
	if !req.Kind.IsValid() {
		return domain.Invalid(op, "unknown analysis kind")
	}
	if err := validate.Struct(req); err != nil {
		return invalidFromValidator(op, err)
	}
	if len(req.Images) == 0 {
		return domain.Invalid(op, "at least one image is required")
	}
	if len(req.Images) > domain.MaxImagesPerAnalysis {
		return domain.Invalid(op, fmt.Sprintf("at most %d images are allowed", domain.MaxImagesPerAnalysis))
	}
	for i, img := range req.Images {
		if err := domain.ValidateImageSize(int64(len(img.Data))); err != nil {
			return err
		}
		ct := img.ContentType
		if ct == "" || ct == "application/octet-stream" {
			ct = http.DetectContentType(img.Data)
		}
		if !domain.IsValidImageContentType(ct) {
			return domain.Invalid(op, fmt.Sprintf("image %d must be JPEG or PNG", i+1))
		}
	}
	return nil
}

// invalidFromValidator turns validator failures into a ValidationError
// with one message per field.
func invalidFromValidator(op string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.Invalid(op, "invalid request")
	}
	ve := &domain.ValidationError{Op: op}
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			ve.Add(field, field+" is required")
		case "max":
			ve.Add(field, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		default:
			ve.Add(field, field+" is invalid")
		}
	}
	return ve
}

// providerError maps provider failures onto domain codes.
func providerError(op string, err error) error {
	switch {
	case errors.Is(err, ai.EAIContentPolicy), errors.Is(err, ai.EAIInvalidRequest):
		return domain.Wrap(err, domain.EINVALID, op, "the analysis request was rejected by the provider")
	case errors.Is(err, ai.EAIRateLimit):
		return domain.Wrap(err, domain.ERATELIMIT, op, "the analysis provider is busy, try again shortly")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ai.EAITimeout):
		return domain.Unavailable(err, op, "the analysis timed out")
	default:
		return domain.Unavailable(err, op, "the analysis provider is unavailable")
	}
}
