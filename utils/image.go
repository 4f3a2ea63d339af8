package utils

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"net/http"
	"strings"

	"github.com/nfnt/resize"

	"eduhelper/llm"
)

var (
	ErrImageTooLarge       = errors.New("image exceeds the size limit")
	ErrUnsupportedImage    = errors.New("unsupported image type")
	ErrImageDecodingFailed = errors.New("failed to decode image")
)

// ImageProcessor normalizes uploaded photos before they are sent to the model
type ImageProcessor struct {
	maxFileSize  int64 // Maximum upload size in bytes
	maxImageSize uint  // Maximum image dimension (width or height)
	imageQuality int   // JPEG quality (1-100)
	allowedTypes map[string]bool
}

// NewImageProcessor creates an image processor with default settings
func NewImageProcessor() *ImageProcessor {
	return &ImageProcessor{
		maxFileSize:  10 * 1024 * 1024, // 10MB
		maxImageSize: 1024,             // 1024px
		imageQuality: 85,               // 85% quality
		allowedTypes: map[string]bool{
			"image/png":  true,
			"image/jpeg": true,
			"image/jpg":  true,
			"image/gif":  true,
			"image/webp": true,
		},
	}
}

// Prepare validates, downsizes and re-encodes an image. mimeType may be
// empty, in which case it is sniffed from the data.
func (p *ImageProcessor) Prepare(data []byte, mimeType string) (*llm.Attachment, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrImageDecodingFailed)
	}
	if int64(len(data)) > p.maxFileSize {
		return nil, fmt.Errorf("%w: %s > %s", ErrImageTooLarge, FormatFileSize(int64(len(data))), FormatFileSize(p.maxFileSize))
	}

	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if !p.allowedTypes[mimeType] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, mimeType)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// No webp decoder is registered; the model accepts webp as is
		if mimeType == "image/webp" {
			return &llm.Attachment{Type: "image", MimeType: mimeType, Data: data, Filename: "photo.webp"}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrImageDecodingFailed, err)
	}

	img = p.fit(img)

	// Encode to bytes
	var buf bytes.Buffer
	filename := "photo.jpg"
	switch format {
	case "png":
		err = png.Encode(&buf, img)
		mimeType = "image/png"
		filename = "photo.png"
	default:
		// Convert to JPEG for other formats
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.imageQuality})
		mimeType = "image/jpeg"
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	return &llm.Attachment{
		Type:     "image",
		MimeType: mimeType,
		Data:     buf.Bytes(),
		Filename: filename,
	}, nil
}

// fit shrinks img so neither side exceeds maxImageSize, keeping the aspect ratio
func (p *ImageProcessor) fit(img image.Image) image.Image {
	bounds := img.Bounds()
	width := uint(bounds.Dx())
	height := uint(bounds.Dy())

	if width <= p.maxImageSize && height <= p.maxImageSize {
		return img
	}
	if width > height {
		return resize.Resize(p.maxImageSize, 0, img, resize.Lanczos3)
	}
	return resize.Resize(0, p.maxImageSize, img, resize.Lanczos3)
}

// FormatFileSize formats file size in human-readable format
func FormatFileSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
