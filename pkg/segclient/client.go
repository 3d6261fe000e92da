// Package segclient talks to the remote segmentation and reconstruction
// service: incremental mask predictions and final 3D generation requests.
package segclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/menta2k/mask-annotator/pkg/types"
)

const (
	defaultBaseURL = "http://localhost:8000"
	defaultTimeout = 60 * time.Second

	// StatusOK is the generate status signalling success
	StatusOK = "ok"
)

// Client sends annotation state to the segmentation service
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout applied when the context has no deadline
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the service rooted at serviceURL
func NewClient(serviceURL string, opts ...Option) (*Client, error) {
	if serviceURL == "" {
		serviceURL = defaultBaseURL
	}
	parsed, err := url.Parse(strings.TrimSuffix(serviceURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid service URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported service URL scheme: %q", parsed.Scheme)
	}

	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the service base URL
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// point is the wire form of a mark
type point struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Label int `json:"label"`
}

type predictResponse struct {
	MaskBase64 string `json:"mask_base64"`
}

type generateResponse struct {
	Status          string   `json:"status"`
	ModelPath       string   `json:"model_path"`
	ColorGridPaths  []string `json:"color_grid_paths"`
	NormalGridPaths []string `json:"normal_grid_paths"`
	Message         string   `json:"message,omitempty"`
}

// Predict asks the service for a mask of the region described by marks and box
func (c *Client) Predict(ctx context.Context, img types.Image, marks []types.Mark, box *types.BoundingBox) (image.Image, error) {
	const op = "predict"

	body, err := c.post(ctx, op, "predict", img, marks, box, nil)
	if err != nil {
		return nil, err
	}

	var resp predictResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ServiceError{Op: op, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if resp.MaskBase64 == "" {
		return nil, &ServiceError{Op: op, Err: errors.New("response has no mask_base64")}
	}

	mask, err := decodeMask(resp.MaskBase64)
	if err != nil {
		return nil, &ServiceError{Op: op, Err: err}
	}
	return mask, nil
}

// Generate asks the service to reconstruct a 3D model of the annotated region
func (c *Client) Generate(ctx context.Context, img types.Image, marks []types.Mark, box *types.BoundingBox, cameraType string) (types.ModelArtifact, error) {
	const op = "generate"

	body, err := c.post(ctx, op, "generate", img, marks, box, map[string]string{"camera_type": cameraType})
	if err != nil {
		return types.ModelArtifact{}, err
	}

	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.ModelArtifact{}, &ServiceError{Op: op, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if resp.Status != StatusOK {
		return types.ModelArtifact{}, &ServiceFailure{Status: resp.Status, Message: resp.Message}
	}

	artifact := types.ModelArtifact{
		ModelPath:       resp.ModelPath,
		ColorGridPaths:  resp.ColorGridPaths,
		NormalGridPaths: resp.NormalGridPaths,
	}
	if artifact.ModelURL, err = c.Resolve(resp.ModelPath); err != nil {
		return types.ModelArtifact{}, &ServiceError{Op: op, Err: err}
	}
	if artifact.ColorGridURLs, err = c.resolveAll(resp.ColorGridPaths); err != nil {
		return types.ModelArtifact{}, &ServiceError{Op: op, Err: err}
	}
	if artifact.NormalGridURLs, err = c.resolveAll(resp.NormalGridPaths); err != nil {
		return types.ModelArtifact{}, &ServiceError{Op: op, Err: err}
	}
	return artifact, nil
}

// Resolve turns a path returned by the service into an absolute URL
func (c *Client) Resolve(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", path, err)
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

func (c *Client) resolveAll(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		u, err := c.Resolve(p)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, op, endpoint string, img types.Image, marks []types.Mark, box *types.BoundingBox, extra map[string]string) ([]byte, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	payload, contentType, err := encodeForm(img, marks, box, extra)
	if err != nil {
		return nil, &ServiceError{Op: op, Err: err}
	}

	target := c.baseURL.ResolveReference(&url.URL{Path: endpoint})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, &ServiceError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("service request failed", zap.String("op", op), zap.Error(err))
		return nil, &ServiceError{Op: op, Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ServiceError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.logger.Debug("service request done",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Int("marks", len(marks)),
		zap.Bool("box", box != nil),
		zap.Duration("cost", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ServiceError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
	}
	return body, nil
}

// encodeForm builds the multipart body shared by predict and generate
func encodeForm(img types.Image, marks []types.Mark, box *types.BoundingBox, extra map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	name := img.Name
	if name == "" {
		name = "image"
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write file part: %w", err)
	}

	points := make([]point, 0, len(marks))
	for _, m := range marks {
		points = append(points, point{X: m.X, Y: m.Y, Label: m.Polarity.Label()})
	}
	pointsJSON, err := json.Marshal(points)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal points: %w", err)
	}
	if err := w.WriteField("points", string(pointsJSON)); err != nil {
		return nil, "", err
	}

	if box != nil {
		boxJSON, err := json.Marshal(box)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal box: %w", err)
		}
		if err := w.WriteField("box", string(boxJSON)); err != nil {
			return nil, "", err
		}
	}

	for k, v := range extra {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func decodeMask(b64 string) (image.Image, error) {
	// Some servers prefix the payload as a data URL
	if i := strings.Index(b64, "base64,"); i >= 0 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+len("base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask_base64: %w", err)
	}
	mask, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask image: %w", err)
	}
	return mask, nil
}
