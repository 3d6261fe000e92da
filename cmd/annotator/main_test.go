package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	annotator "github.com/menta2k/mask-annotator"
	"github.com/menta2k/mask-annotator/internal/config"
	"github.com/menta2k/mask-annotator/pkg/imageio"
)

func fakeService(t *testing.T, status string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/predict":
			png, _ := imageio.EncodePNG(imaging.New(80, 60, color.NRGBA{255, 255, 255, 255}))
			json.NewEncoder(w).Encode(map[string]string{"mask_base64": base64.StdEncoding.EncodeToString(png)})
		case "/generate":
			json.NewEncoder(w).Encode(map[string]any{
				"status":            status,
				"message":           "no object detected",
				"model_path":        "outputs/model.glb",
				"color_grid_paths":  []string{"outputs/color_0.png"},
				"normal_grid_paths": []string{"outputs/normal_0.png"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newBatchAnnotator(t *testing.T, serviceURL string) *annotator.Annotator {
	t.Helper()
	cfg := config.Default()
	cfg.Service.URL = serviceURL
	cfg.Suggest.Backend = "none"
	a, err := annotator.New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.png")
	if err := imaging.Save(imaging.New(80, 60, color.NRGBA{30, 30, 30, 255}), path); err != nil {
		t.Fatalf("failed to save input: %v", err)
	}
	return path
}

func TestRunBatchGenerate(t *testing.T) {
	a := newBatchAnnotator(t, fakeService(t, "ok").URL)
	out := filepath.Join(t.TempDir(), "frame.png")
	l := &cliListener{logger: zap.NewNop()}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := runBatch(ctx, a, l, batch{
		in:       writeInput(t),
		display:  "40x30",
		keep:     "10,10",
		box:      "5,5,30,25",
		generate: true,
		out:      out,
	})
	if err != nil {
		t.Fatalf("runBatch failed: %v", err)
	}

	if _, err := os.Stat(out); err != nil {
		t.Errorf("Expected the frame to be written: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(out), "frame_model.json"))
	if err != nil {
		t.Fatalf("Expected model references: %v", err)
	}
	if !json.Valid(data) || l.artifact == nil || filepath.Base(l.artifact.ModelURL) != "model.glb" {
		t.Errorf("Unexpected artifact %s", data)
	}
}

func TestRunBatchGenerateFailure(t *testing.T) {
	a := newBatchAnnotator(t, fakeService(t, "fail").URL)
	l := &cliListener{logger: zap.NewNop()}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := runBatch(ctx, a, l, batch{
		in:       writeInput(t),
		keep:     "10,10",
		generate: true,
		out:      filepath.Join(t.TempDir(), "frame.png"),
	})
	if err == nil {
		t.Fatal("Expected a failed generation to be reported")
	}
	if len(l.notices) != 1 || l.notices[0].Error() != "no object detected" {
		t.Errorf("Unexpected notices %v", l.notices)
	}
}

func TestRunBatchGenerateWithoutMarks(t *testing.T) {
	a := newBatchAnnotator(t, fakeService(t, "ok").URL)
	l := &cliListener{logger: zap.NewNop()}

	err := runBatch(context.Background(), a, l, batch{in: writeInput(t), generate: true})
	if err == nil {
		t.Fatal("Expected generation without annotation to fail")
	}
}
