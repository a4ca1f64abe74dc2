package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/meanas/internal/ai"
	"github.com/DukeRupert/meanas/internal/ai/mock"
	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/repository"
	"github.com/DukeRupert/meanas/internal/storage"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 7 {
		img.Set(x, h/2, color.RGBA{R: 200, G: 40, B: 40, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type analysisFixture struct {
	store        *repository.Memory
	blobs        *storage.LocalStorage
	provider     *mock.Provider
	entitlements EntitlementService
	svc          AnalysisService
}

func newAnalysisFixture(t *testing.T) analysisFixture {
	t.Helper()
	store := newSeededStore(t)
	blobs, err := storage.NewLocalStorage(storage.LocalConfig{
		BasePath: t.TempDir(),
		BaseURL:  "https://files.example.com",
	}, testLogger())
	require.NoError(t, err)
	provider := mock.New(testLogger())
	entitlements := NewEntitlementService(store, testLogger())

	svc := NewAnalysisService(store, entitlements, blobs, provider,
		NewImageNormalizer(domain.AnalysisImageMaxDimension, domain.AnalysisImageJPEGQuality),
		0, testLogger())

	return analysisFixture{store: store, blobs: blobs, provider: provider, entitlements: entitlements, svc: svc}
}

// entitled gives userID a standard subscription with remaining units and
// returns what the gate would resolve for it.
func (f analysisFixture) entitled(t *testing.T, userID string, remaining int) domain.Entitlement {
	t.Helper()
	activeSubscription(t, f.store, userID, domain.PlanStandard, remaining)
	ent, err := f.entitlements.Check(context.Background(), userID)
	require.NoError(t, err)
	return ent
}

func (f analysisFixture) storedFiles(t *testing.T) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(f.blobs.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func validAnalysisRequest(t *testing.T) domain.AnalysisRequest {
	return domain.AnalysisRequest{
		UserID:      "u1",
		Kind:        domain.AnalysisKindErrorCheck,
		Title:       "Stringing on overhangs",
		Description: "PLA at 215C, lots of fine strings between towers.",
		Parameters:  map[string]string{"printer": "Prusa MK4"},
		Images: []domain.AnalysisImage{
			{Filename: "wide.png", ContentType: "image/png", Data: pngBytes(t, 3000, 1000)},
			{Filename: "small.png", ContentType: "", Data: pngBytes(t, 40, 30)},
		},
	}
}

func TestAnalysis_Analyze(t *testing.T) {
	ctx := context.Background()
	f := newAnalysisFixture(t)
	ent := f.entitled(t, "u1", 3)

	result, err := f.svc.Analyze(ctx, ent, validAnalysisRequest(t))
	require.NoError(t, err)
	project := result.Project

	assert.Equal(t, 2, result.Entitlement.Remaining)
	assert.Equal(t, 2, mustCounter(t, f.store, "u1", ent.SubscriptionID).Remaining)

	assert.Equal(t, "u1", project.UserID)
	assert.Equal(t, ent.SubscriptionID, project.SubscriptionID)
	assert.Equal(t, domain.AnalysisKindErrorCheck, project.Kind)
	assert.Equal(t, "mock", project.Model)
	assert.Contains(t, project.Response, "Stringing on overhangs")
	require.Len(t, project.ImageKeys, 2)
	require.Len(t, project.ImageURLs, 2)

	for i, key := range project.ImageKeys {
		assert.True(t, strings.HasPrefix(key, "uploads/u1/"), key)
		assert.True(t, strings.HasSuffix(key, ".jpg"), key)
		assert.Equal(t, "https://files.example.com/"+key, project.ImageURLs[i])
	}

	// The wide image was shrunk to the maximum dimension.
	rc, info, err := f.blobs.Get(ctx, project.ImageKeys[0])
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, "image/jpeg", info.ContentType)
	img, err := imaging.Decode(rc)
	require.NoError(t, err)
	assert.Equal(t, domain.AnalysisImageMaxDimension, img.Bounds().Dx())

	assert.Equal(t, 1, f.provider.CallCount())
	assert.Equal(t, "errorcheck", f.provider.LastParams.Kind)
	assert.Equal(t, project.ImageURLs, f.provider.LastParams.ImageURLs)
	assert.Equal(t, "Prusa MK4", f.provider.LastParams.Parameters["printer"])

	projects, err := f.svc.ListProjects(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, project.ID, projects[0].ID)
}

func TestAnalysis_Analyze_Validation(t *testing.T) {
	ctx := context.Background()
	ent := domain.Entitlement{UserID: "u1", SubscriptionID: uuid.New()}

	tests := []struct {
		name    string
		mutate  func(r *domain.AnalysisRequest)
		code    string
		message string
	}{
		{name: "anonymous", mutate: func(r *domain.AnalysisRequest) { r.UserID = "" }, code: domain.EUNAUTHORIZED},
		{name: "unknown kind", mutate: func(r *domain.AnalysisRequest) { r.Kind = "poetry" }, code: domain.EINVALID},
		{name: "missing title", mutate: func(r *domain.AnalysisRequest) { r.Title = "" }, code: domain.EINVALID, message: "title is required"},
		{name: "long title", mutate: func(r *domain.AnalysisRequest) { r.Title = strings.Repeat("x", 201) }, code: domain.EINVALID, message: "title must be at most 200 characters"},
		{name: "missing description", mutate: func(r *domain.AnalysisRequest) { r.Description = "" }, code: domain.EINVALID, message: "description is required"},
		{name: "no images", mutate: func(r *domain.AnalysisRequest) { r.Images = nil }, code: domain.EINVALID},
		{name: "too many images", mutate: func(r *domain.AnalysisRequest) {
			for len(r.Images) <= domain.MaxImagesPerAnalysis {
				r.Images = append(r.Images, r.Images[1])
			}
		}, code: domain.EINVALID},
		{name: "empty image", mutate: func(r *domain.AnalysisRequest) { r.Images[0].Data = nil }, code: domain.EINVALID},
		{name: "unsupported type", mutate: func(r *domain.AnalysisRequest) {
			r.Images[0] = domain.AnalysisImage{Filename: "a.gif", Data: []byte("GIF89a\x01\x00\x01\x00")}
		}, code: domain.EINVALID, message: "image 1 must be JPEG or PNG"},
		{name: "undecodable image", mutate: func(r *domain.AnalysisRequest) {
			r.Images[1] = domain.AnalysisImage{Filename: "b.png", ContentType: "image/png", Data: []byte("not really a png")}
		}, code: domain.EINVALID, message: "image 2 could not be read"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAnalysisFixture(t)
			req := validAnalysisRequest(t)
			tt.mutate(&req)

			_, err := f.svc.Analyze(ctx, ent, req)
			requireCode(t, err, tt.code)
			if tt.message != "" {
				assert.Equal(t, tt.message, domain.ErrorMessage(err))
			}
			assert.Zero(t, f.provider.CallCount())
			assert.Empty(t, f.storedFiles(t), "nothing is left in storage")
		})
	}
}

func TestAnalysis_Analyze_ProviderFailure(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		err  error
		code string
	}{
		{err: ai.EAIRateLimit, code: domain.ERATELIMIT},
		{err: ai.EAIContentPolicy, code: domain.EINVALID},
		{err: ai.EAIUnavailable, code: domain.EUNAVAILABLE},
		{err: ai.EAITimeout, code: domain.EUNAVAILABLE},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := newAnalysisFixture(t)
			ent := f.entitled(t, "u1", 1)
			f.provider.Err = ai.WrapError("analyze", tt.err)

			_, err := f.svc.Analyze(ctx, ent, validAnalysisRequest(t))
			requireCode(t, err, tt.code)
			assert.Equal(t, 1, mustCounter(t, f.store, "u1", ent.SubscriptionID).Remaining, "failures are free")

			assert.Empty(t, f.storedFiles(t), "uploads are discarded")
			projects, err := f.svc.ListProjects(ctx, "u1")
			require.NoError(t, err)
			assert.Empty(t, projects)
		})
	}
}

func TestAnalysis_Analyze_LastUnitTakenMeanwhile(t *testing.T) {
	ctx := context.Background()
	f := newAnalysisFixture(t)

	// Both requests passed the gate while one unit was left.
	first := f.entitled(t, "u1", 1)
	second, err := f.entitlements.Check(ctx, "u1")
	require.NoError(t, err)

	won, err := f.svc.Analyze(ctx, first, validAnalysisRequest(t))
	require.NoError(t, err)
	assert.Equal(t, 0, won.Entitlement.Remaining)

	_, err = f.svc.Analyze(ctx, second, validAnalysisRequest(t))
	requireCode(t, err, domain.EPAYMENT)
	assert.Equal(t, MsgUsageExhausted, domain.ErrorMessage(err))

	projects, err := f.svc.ListProjects(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, projects, 1, "the losing analysis is not saved")
	assert.Equal(t, won.Project.ID, projects[0].ID)
	assert.Len(t, f.storedFiles(t), len(won.Project.ImageKeys), "the losing uploads are deleted")
	assert.Equal(t, 0, mustCounter(t, f.store, "u1", first.SubscriptionID).Remaining)
}

func TestAnalysis_Analyze_Unlimited(t *testing.T) {
	ctx := context.Background()
	f := newAnalysisFixture(t)
	sub := activeSubscription(t, f.store, "u1", domain.PlanUnlimited, 0)
	ent, err := f.entitlements.Check(ctx, "u1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		result, err := f.svc.Analyze(ctx, ent, validAnalysisRequest(t))
		require.NoError(t, err)
		assert.True(t, result.Entitlement.Unlimited)
	}

	projects, err := f.svc.ListProjects(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, projects, 3)
	assert.Equal(t, 0, mustCounter(t, f.store, "u1", sub.ID).Remaining)
}

func TestAnalysis_DeleteProject(t *testing.T) {
	ctx := context.Background()
	f := newAnalysisFixture(t)
	result, err := f.svc.Analyze(ctx, f.entitled(t, "u1", 2), validAnalysisRequest(t))
	require.NoError(t, err)
	require.Len(t, f.storedFiles(t), 2)
	id := result.Project.ID

	t.Run("another user's project is not found", func(t *testing.T) {
		err := f.svc.DeleteProject(ctx, "u2", id)
		requireCode(t, err, domain.ENOTFOUND)
		assert.Len(t, f.storedFiles(t), 2)
	})

	t.Run("anonymous", func(t *testing.T) {
		requireCode(t, f.svc.DeleteProject(ctx, "", id), domain.EUNAUTHORIZED)
	})

	t.Run("owner deletes project and images", func(t *testing.T) {
		require.NoError(t, f.svc.DeleteProject(ctx, "u1", id))

		projects, err := f.svc.ListProjects(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, projects)
		assert.Empty(t, f.storedFiles(t))
	})

	t.Run("second delete", func(t *testing.T) {
		requireCode(t, f.svc.DeleteProject(ctx, "u1", id), domain.ENOTFOUND)
	})
}

func TestImageNormalizer(t *testing.T) {
	n := NewImageNormalizer(100, 80)

	out, err := n.Normalize(pngBytes(t, 400, 200))
	require.NoError(t, err)
	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())

	out, err = n.Normalize(pngBytes(t, 60, 20))
	require.NoError(t, err)
	img, _, err = image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 60, img.Bounds().Dx(), "small images are not upscaled")

	_, err = n.Normalize([]byte("nope"))
	assert.Error(t, err)
}
