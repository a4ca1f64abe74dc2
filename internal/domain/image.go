package domain

// SupportedImageTypes maps MIME types accepted for analysis uploads.
var SupportedImageTypes = map[string]string{
	"image/jpeg": "JPEG",
	"image/png":  "PNG",
}

const (
	// MaxImageSize is the maximum allowed size for one uploaded image (20MB).
	MaxImageSize = 20 * 1024 * 1024

	// MaxImagesPerAnalysis bounds how many images one analysis may carry.
	MaxImagesPerAnalysis = 6

	// AnalysisImageMaxDimension is the longest edge after normalization.
	AnalysisImageMaxDimension = 2048

	// AnalysisImageJPEGQuality is the JPEG quality used for normalized images.
	AnalysisImageJPEGQuality = 85
)

// IsValidImageContentType checks if the content type is supported.
func IsValidImageContentType(contentType string) bool {
	_, ok := SupportedImageTypes[contentType]
	return ok
}

// ValidateImageSize checks if the file size is within limits.
func ValidateImageSize(size int64) error {
	if size > MaxImageSize {
		return Errorf(ETOOLARGE, "image.validate", "Image size %d bytes exceeds maximum of %d bytes (%.1fMB)", size, MaxImageSize, float64(MaxImageSize)/(1024*1024))
	}
	if size == 0 {
		return Invalid("image.validate", "Image file is empty")
	}
	return nil
}
