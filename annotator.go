// Package annotator wires the interactive mask annotation engine to its
// collaborators: the segmentation service client, the image loader, the
// compositor style and the optional subject suggestion backend.
//
// Basic usage:
//
//	cfg := config.Default()
//	a, err := annotator.New(cfg, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	engine := a.NewSession(nil)
//	defer engine.Close()
//
//	img, _ := a.LoadImage("photo.jpg")
//	engine.SelectFile(img)
//	engine.Click(100, 50, types.DisplayRect{Width: 400, Height: 300})
//	engine.Wait(ctx)
//
//	a.SaveFrame(engine, "photo_annotated.png")
//
// A session is single-owner: one goroutine calls the engine and applies its
// results. The live server (pkg/live) runs one such session per websocket.
package annotator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/menta2k/mask-annotator/internal/config"
	"github.com/menta2k/mask-annotator/internal/utils"
	"github.com/menta2k/mask-annotator/pkg/compositor"
	"github.com/menta2k/mask-annotator/pkg/imageio"
	"github.com/menta2k/mask-annotator/pkg/live"
	"github.com/menta2k/mask-annotator/pkg/llamacpp"
	"github.com/menta2k/mask-annotator/pkg/ollama"
	"github.com/menta2k/mask-annotator/pkg/segclient"
	"github.com/menta2k/mask-annotator/pkg/session"
	"github.com/menta2k/mask-annotator/pkg/suggest"
	"github.com/menta2k/mask-annotator/pkg/types"
)

// Version of the annotator
const Version = "1.0.0"

// Annotator holds everything shared between sessions
type Annotator struct {
	cfg       *config.Config
	logger    *zap.Logger
	client    *segclient.Client
	loader    *imageio.Loader
	style     compositor.Style
	suggester suggest.Suggester
}

// New validates cfg and builds the shared collaborators
func New(cfg *config.Config, logger *zap.Logger) (*Annotator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	style, err := cfg.Style()
	if err != nil {
		return nil, err
	}

	client, err := segclient.NewClient(cfg.Service.URL,
		segclient.WithTimeout(cfg.Service.Timeout),
		segclient.WithLogger(logger.Named("segclient")))
	if err != nil {
		return nil, fmt.Errorf("failed to create service client: %w", err)
	}

	suggester, err := NewSuggester(cfg.Suggest)
	if err != nil {
		return nil, err
	}

	return &Annotator{
		cfg:       cfg,
		logger:    logger,
		client:    client,
		loader:    imageio.NewLoader(cfg.Image.MinImageSize),
		style:     style,
		suggester: suggester,
	}, nil
}

// NewSuggester builds the configured suggestion backend. It returns nil for "none".
func NewSuggester(cfg config.SuggestConfig) (suggest.Suggester, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "none":
		return nil, nil
	case "local":
		return suggest.NewSaliencyWithConfig(suggest.DetectionConfig{
			ContrastWeight:  cfg.ContrastWeight,
			ColorWeight:     cfg.ColorWeight,
			MinSubjectRatio: cfg.MinSubjectRatio,
			MaxSide:         256,
		}), nil
	case "ollama":
		client, err := ollama.NewClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return suggest.NewDetector(client, cfg.Model, cfg.SendSize), nil
	case "llamacpp":
		client, err := llamacpp.NewClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return suggest.NewDetector(client, cfg.Model, cfg.SendSize), nil
	}
	return nil, fmt.Errorf("unknown suggest backend %q", cfg.Backend)
}

// CheckVision loads source and asks the vision backend to describe it. It
// confirms the configured model can actually see images.
func (a *Annotator) CheckVision(ctx context.Context, source string) (string, error) {
	detector, ok := a.suggester.(*suggest.Detector)
	if !ok {
		return "", fmt.Errorf("suggest backend %q is not a vision model", a.cfg.Suggest.Backend)
	}
	img, err := a.LoadImage(source)
	if err != nil {
		return "", err
	}
	return detector.TestVision(ctx, img)
}

// NewSession creates an engine reporting to listener, which may be nil
func (a *Annotator) NewSession(listener session.Listener) *session.Engine {
	opts := []session.Option{
		session.WithLogger(a.logger.Named("session")),
		session.WithStyle(a.style),
		session.WithDefaultCamera(a.cfg.Service.CameraType),
	}
	if a.suggester != nil {
		opts = append(opts, session.WithSuggester(a.suggester))
	}
	return session.NewEngine(a.client, listener, opts...)
}

// LoadImage loads an image from a path or an http(s) URL
func (a *Annotator) LoadImage(source string) (types.Image, error) {
	if !strings.Contains(source, "://") && !utils.IsImageFile(source, a.cfg.Image.SupportedFormats) {
		return types.Image{}, fmt.Errorf("unsupported image format: %s", source)
	}
	img, err := a.loader.LoadImageSmart(source)
	if err != nil {
		return types.Image{}, fmt.Errorf("failed to load image: %w", err)
	}
	a.logger.Debug("image loaded",
		zap.String("source", source),
		zap.Int("width", img.Width),
		zap.Int("height", img.Height),
		zap.String("size", utils.FormatFileSize(int64(len(img.Data)))))
	return img, nil
}

// SaveFrame writes the engine's current frame. The format follows the
// extension, falling back to the configured default.
func (a *Annotator) SaveFrame(e *session.Engine, path string) error {
	frame := e.Frame()
	if frame.Bounds().Empty() {
		return fmt.Errorf("nothing rendered yet")
	}
	format := utils.GetFileExtension(path)
	if format == "" {
		format = a.cfg.Output.DefaultFormat
		path += "." + format
	}
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return imageio.SaveImage(frame, path, format, a.cfg.Output.Quality, false)
}

// OutputPath returns where the render for source is saved by default
func (a *Annotator) OutputPath(source, format string) string {
	if format == "" {
		format = a.cfg.Output.DefaultFormat
	}
	return utils.OutputFilename(source, a.cfg.Output.OutputDir, a.cfg.Output.Prefix, a.cfg.Output.Suffix, format)
}

// LiveServer creates the websocket server, one session per connection
func (a *Annotator) LiveServer() *live.Server {
	return live.NewServer(
		func(l session.Listener) *session.Engine { return a.NewSession(l) },
		a.loader,
		a.logger.Named("live"),
		live.Options{
			Mode:      a.cfg.Live.Mode,
			StaticDir: a.cfg.Live.StaticDir,
			Version:   Version,
		},
	)
}

// Client returns the segmentation service client
func (a *Annotator) Client() *segclient.Client {
	return a.client
}

// Suggester returns the configured suggestion backend, or nil
func (a *Annotator) Suggester() suggest.Suggester {
	return a.suggester
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
