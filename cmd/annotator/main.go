package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	annotator "github.com/menta2k/mask-annotator"
	"github.com/menta2k/mask-annotator/internal/config"
	"github.com/menta2k/mask-annotator/internal/logging"
	"github.com/menta2k/mask-annotator/internal/utils"
	"github.com/menta2k/mask-annotator/pkg/session"
	"github.com/menta2k/mask-annotator/pkg/types"
	"github.com/menta2k/mask-annotator/pkg/workflow"
)

// cliListener logs what a browser would show
type cliListener struct {
	session.NopListener
	logger   *zap.Logger
	notices  []error
	artifact *types.ModelArtifact
}

func (l *cliListener) Notice(err error) {
	l.notices = append(l.notices, err)
	l.logger.Warn("notice", zap.Error(err))
}

func (l *cliListener) Progress(p workflow.Progress) {
	l.logger.Info("progress", zap.Int("step", int(p.Step)), zap.String("hint", p.Hint))
}

func (l *cliListener) Artifact(a types.ModelArtifact) {
	l.artifact = &a
	l.logger.Info("model ready", zap.String("model", a.ModelURL), zap.Int("color_views", len(a.ColorGridURLs)))
}

func (l *cliListener) Frame(buf *image.NRGBA) {
	l.logger.Debug("frame", zap.Int("width", buf.Bounds().Dx()), zap.Int("height", buf.Bounds().Dy()))
}

type batch struct {
	in, display  string
	keep, remove string
	box          string
	suggest      bool
	generate     bool
	camera       string
	out, ext     string
}

func main() {
	var b batch
	var configPath, serviceURL, logMode string
	var serve, testVision bool
	var timeout time.Duration

	flag.StringVar(&b.in, "in", "", "input image path or URL (jpg/png/webp)")
	flag.StringVar(&b.display, "display", "", "displayed size WxH the coordinates refer to (default: native size)")
	flag.StringVar(&b.keep, "keep", "", "keep points in display coordinates: x,y;x,y")
	flag.StringVar(&b.remove, "remove", "", "remove points in display coordinates: x,y;x,y")
	flag.StringVar(&b.box, "box", "", "box corners in display coordinates: x1,y1,x2,y2")
	flag.BoolVar(&b.suggest, "suggest", false, "ask the suggestion backend for the subject box")
	flag.BoolVar(&b.generate, "generate", false, "generate the 3D model after annotating")
	flag.StringVar(&b.camera, "camera", "", "camera type for generation: persp|ortho (default from config)")
	flag.StringVar(&b.out, "out", "", "output path for the composited frame (default from config)")
	flag.StringVar(&b.ext, "ext", "", "output format when -out is not set: png|jpg|webp")
	flag.StringVar(&configPath, "config", "", "config file (json or yaml)")
	flag.StringVar(&serviceURL, "service", "", "segmentation service URL (overrides config)")
	flag.StringVar(&logMode, "log", "", "log mode: debug|release (overrides config)")
	flag.BoolVar(&serve, "serve", false, "run the live websocket server instead of a batch session")
	flag.BoolVar(&testVision, "test-vision", false, "ask the vision backend to describe -in and exit")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "overall batch timeout")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("ignoring .env: %v", err)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if serviceURL != "" {
		cfg.Service.URL = serviceURL
	}
	if logMode != "" {
		cfg.Log.Mode = logMode
	}

	logger, err := logging.New(cfg.Log.Mode)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logging.Sync(logger)

	a, err := annotator.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serve {
		logger.Info("starting live server",
			zap.String("version", annotator.Version),
			zap.String("addr", cfg.Live.Addr),
			zap.String("service", cfg.Service.URL))
		if err := a.LiveServer().Run(ctx, cfg.Live.Addr); err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
		return
	}

	if b.in == "" {
		log.Fatalf("usage: %s -in input.jpg|URL [-display WxH] [-keep x,y;...] [-remove x,y;...] [-box x1,y1,x2,y2] [-suggest] [-generate] [-camera persp|ortho] [-out path] [-test-vision] | -serve", filepath.Base(os.Args[0]))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if testVision {
		answer, err := a.CheckVision(ctx, b.in)
		if err != nil {
			logger.Fatal("vision check failed", zap.Error(err))
		}
		fmt.Println(answer)
		return
	}

	listener := &cliListener{logger: logger}
	if err := runBatch(ctx, a, listener, b); err != nil {
		logger.Fatal("session failed", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" && utils.FileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}
	return config.Load(path)
}

// runBatch replays the flags as a scripted session: points, then box or
// suggestion, then generation, then saves the final frame.
func runBatch(ctx context.Context, a *annotator.Annotator, l *cliListener, b batch) error {
	img, err := a.LoadImage(b.in)
	if err != nil {
		return err
	}
	rect, err := parseDisplay(b.display, img.Width, img.Height)
	if err != nil {
		return err
	}

	engine := a.NewSession(l)
	defer engine.Close()

	if err := engine.SelectFile(img); err != nil {
		return err
	}
	engine.Resize(rect)

	for _, group := range []struct {
		mode   types.Mode
		points string
	}{
		{types.PointKeep, b.keep},
		{types.PointRemove, b.remove},
	} {
		points, err := parsePoints(group.points)
		if err != nil {
			return err
		}
		engine.SetMode(group.mode)
		for _, p := range points {
			if _, err := engine.Click(p.X, p.Y, rect); err != nil {
				return err
			}
		}
	}

	switch {
	case b.box != "":
		corners, err := parseBox(b.box)
		if err != nil {
			return err
		}
		engine.SetMode(types.BoxMode)
		for _, c := range corners {
			if _, err := engine.Click(c.X, c.Y, rect); err != nil {
				return err
			}
		}
	case b.suggest:
		if err := engine.Suggest(ctx); err != nil {
			return err
		}
	}

	if err := engine.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for the mask: %w", err)
	}

	if b.generate {
		if err := engine.Generate(ctx, b.camera); err != nil {
			return err
		}
		if err := engine.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for the model: %w", err)
		}
	}

	out := b.out
	if out == "" {
		out = a.OutputPath(b.in, strings.ToLower(b.ext))
	}
	if err := a.SaveFrame(engine, out); err != nil {
		return fmt.Errorf("failed to save frame: %w", err)
	}
	l.logger.Info("wrote frame", zap.String("path", out), zap.Int("marks", len(engine.Marks())))

	if l.artifact != nil {
		js, _ := json.MarshalIndent(l.artifact, "", "  ")
		artifactPath := strings.TrimSuffix(out, filepath.Ext(out)) + "_model.json"
		if err := os.WriteFile(artifactPath, js, 0o644); err != nil {
			return fmt.Errorf("failed to save model references: %w", err)
		}
		l.logger.Info("wrote model references", zap.String("path", artifactPath))
	}

	if b.generate && engine.Progress().Step != workflow.Generate {
		return fmt.Errorf("generation did not complete: %v", errors.Join(l.notices...))
	}
	return nil
}
