package imageio

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/mask-annotator/pkg/types"
)

// maxDownloadSize caps images fetched from URLs
const maxDownloadSize = 64 << 20

// Loader reads user-selected images and writes rendered surfaces
type Loader struct {
	httpClient   *http.Client
	minImageSize int
}

// NewLoader creates a loader rejecting images smaller than minImageSize on either side
func NewLoader(minImageSize int) *Loader {
	return &Loader{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		minImageSize: minImageSize,
	}
}

// LoadImageSmart loads an image from either a file path or URL
func (l *Loader) LoadImageSmart(source string) (types.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return l.LoadImageFromURL(source)
	}
	return l.LoadImage(source)
}

// LoadImage loads an image from a file path
func (l *Loader) LoadImage(path string) (types.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Image{}, fmt.Errorf("failed to read image file: %w", err)
	}
	return l.FromBytes(filepath.Base(path), data)
}

// LoadImageFromURL downloads and loads an image from a URL
func (l *Loader) LoadImageFromURL(imageURL string) (types.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return types.Image{}, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return types.Image{}, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequest(http.MethodGet, imageURL, nil)
	if err != nil {
		return types.Image{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "mask-annotator/1.0")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return types.Image{}, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.Image{}, fmt.Errorf("failed to download image: HTTP %d %s", resp.StatusCode, resp.Status)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return types.Image{}, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		return types.Image{}, fmt.Errorf("failed to read image data: %w", err)
	}

	name := filepath.Base(parsedURL.Path)
	if name == "." || name == "/" {
		name = "image"
	}
	return l.FromBytes(name, data)
}

// FromBytes decodes raw image bytes into an Image, keeping the bytes for upload
func (l *Loader) FromBytes(name string, data []byte) (types.Image, error) {
	raster, err := decodeImageFromBytes(data)
	if err != nil {
		return types.Image{}, err
	}

	img := types.Image{
		Name:        name,
		ContentType: http.DetectContentType(data),
		Data:        data,
		Raster:      raster,
		Width:       raster.Bounds().Dx(),
		Height:      raster.Bounds().Dy(),
	}
	if err := l.ValidateImage(img); err != nil {
		return types.Image{}, err
	}
	return img, nil
}

// ValidateImage checks the image meets the minimum size
func (l *Loader) ValidateImage(img types.Image) error {
	if img.Width < 1 || img.Height < 1 {
		return fmt.Errorf("image has no pixels")
	}
	if img.Width < l.minImageSize || img.Height < l.minImageSize {
		return fmt.Errorf("image too small: %dx%d (minimum: %d)", img.Width, img.Height, l.minImageSize)
	}
	return nil
}

// decodeImageFromBytes decodes an image from byte data with WebP support
func decodeImageFromBytes(data []byte) (image.Image, error) {
	if img, err := imaging.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// EncodePNG encodes a rendered surface for transport
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveImage saves an image to a file with the specified format and quality
func SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}
