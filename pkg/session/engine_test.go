package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/menta2k/mask-annotator/pkg/coords"
	"github.com/menta2k/mask-annotator/pkg/imageio"
	"github.com/menta2k/mask-annotator/pkg/segclient"
	"github.com/menta2k/mask-annotator/pkg/types"
	"github.com/menta2k/mask-annotator/pkg/workflow"
)

type predictCall struct {
	marks []types.Mark
	box   *types.BoundingBox
}

type generateCall struct {
	predictCall
	camera string
}

// fakeClient answers immediately unless a gate is registered for the number
// of marks in the request, in which case it waits for the gate to close.
type fakeClient struct {
	mu        sync.Mutex
	predicts  []predictCall
	generates []generateCall
	gates     map[int]chan struct{}

	predictErr  error
	generateErr error
	artifact    types.ModelArtifact
}

func newFakeClient() *fakeClient {
	return &fakeClient{gates: make(map[int]chan struct{})}
}

func (f *fakeClient) gate(marks int) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[marks] = ch
	return ch
}

func (f *fakeClient) Predict(ctx context.Context, img types.Image, marks []types.Mark, box *types.BoundingBox) (image.Image, error) {
	f.mu.Lock()
	f.predicts = append(f.predicts, predictCall{marks: marks, box: box})
	gate := f.gates[len(marks)]
	err := f.predictErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return maskFor(img, len(marks)), nil
}

func (f *fakeClient) Generate(ctx context.Context, img types.Image, marks []types.Mark, box *types.BoundingBox, cameraType string) (types.ModelArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generates = append(f.generates, generateCall{predictCall: predictCall{marks: marks, box: box}, camera: cameraType})
	return f.artifact, f.generateErr
}

func (f *fakeClient) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.predicts), len(f.generates)
}

// maskFor returns a solid mask whose red channel encodes n
func maskFor(img types.Image, n int) image.Image {
	return imaging.New(img.Width, img.Height, color.NRGBA{uint8(40 * n), 0, 0, 255})
}

type recorder struct {
	NopListener
	frames    int
	notices   []error
	progress  []workflow.Progress
	artifacts []types.ModelArtifact
	layouts   []coords.Size
}

func (r *recorder) Frame(*image.NRGBA) { r.frames++ }
func (r *recorder) Notice(err error) { r.notices = append(r.notices, err) }
func (r *recorder) Progress(p workflow.Progress) { r.progress = append(r.progress, p) }
func (r *recorder) Artifact(a types.ModelArtifact) { r.artifacts = append(r.artifacts, a) }
func (r *recorder) Layout(size coords.Size) { r.layouts = append(r.layouts, size) }

func testImage(w, h int) types.Image {
	return types.Image{
		Name:        "photo.png",
		ContentType: "image/png",
		Data:        []byte("png"),
		Raster:      imaging.New(w, h, color.NRGBA{128, 128, 128, 255}),
		Width:       w,
		Height:      h,
	}
}

func newTestEngine(t *testing.T, client MaskClient, opts ...Option) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	e := NewEngine(client, rec, opts...)
	t.Cleanup(e.Close)
	return e, rec
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func next(t *testing.T, e *Engine) Result {
	t.Helper()
	select {
	case r := <-e.Results():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a result")
	}
	return Result{}
}

func TestPointClickIssuesOnePredict(t *testing.T) {
	client := newFakeClient()
	e, _ := newTestEngine(t, client)

	if err := e.SelectFile(testImage(800, 600)); err != nil {
		t.Fatalf("SelectFile failed: %v", err)
	}
	res, err := e.Click(100, 50, types.DisplayRect{Width: 400, Height: 300})
	if err != nil {
		t.Fatalf("Click failed: %v", err)
	}
	if res.Mark == nil || *res.Mark != (types.Mark{X: 200, Y: 100, Polarity: types.Keep}) {
		t.Fatalf("Unexpected mark %+v", res.Mark)
	}
	if err := e.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	predicts, _ := client.counts()
	if predicts != 1 {
		t.Fatalf("Expected exactly one predict call, got %d", predicts)
	}
	call := client.predicts[0]
	if len(call.marks) != 1 || call.marks[0].Polarity.Label() != 1 || call.box != nil {
		t.Errorf("Unexpected predict input %+v", call)
	}
	if e.Mask() == nil {
		t.Error("Expected the mask to be applied")
	}
}

func TestPointClickWireFormat(t *testing.T) {
	var points []map[string]int
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/predict" {
			t.Errorf("expected /predict, got %s", r.URL.Path)
		}
		if err := json.Unmarshal([]byte(r.FormValue("points")), &points); err != nil {
			t.Errorf("bad points field: %v", err)
		}
		png, _ := imageio.EncodePNG(imaging.New(800, 600, color.NRGBA{255, 255, 255, 255}))
		json.NewEncoder(w).Encode(map[string]string{"mask_base64": base64.StdEncoding.EncodeToString(png)})
	}))
	defer server.Close()

	client, err := segclient.NewClient(server.URL)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	e, rec := newTestEngine(t, client)
	e.SelectFile(testImage(800, 600))
	e.Click(100, 50, types.DisplayRect{Width: 400, Height: 300})
	if err := e.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if calls != 1 {
		t.Fatalf("Expected one request, got %d", calls)
	}
	if len(points) != 1 || points[0]["x"] != 200 || points[0]["y"] != 100 || points[0]["label"] != 1 {
		t.Errorf("Unexpected points %v", points)
	}
	if len(rec.notices) != 0 {
		t.Errorf("Unexpected notices %v", rec.notices)
	}
}

func TestBoxClicksIssueOnePredict(t *testing.T) {
	client := newFakeClient()
	e, rec := newTestEngine(t, client)
	e.SelectFile(testImage(100, 100))
	e.SetMode(types.BoxMode)
	rect := types.DisplayRect{Width: 100, Height: 100}

	framesBefore := rec.frames
	res, _ := e.Click(90, 60, rect)
	if !res.Pending {
		t.Fatal("Expected the first click to leave a pending corner")
	}
	if rec.frames != framesBefore {
		t.Error("A pending corner must not trigger a redraw")
	}
	e.Click(10, 10, rect)
	e.Wait(waitCtx(t))

	predicts, _ := client.counts()
	if predicts != 1 {
		t.Fatalf("Expected exactly one predict call, got %d", predicts)
	}
	want := types.BoundingBox{X1: 10, Y1: 10, X2: 90, Y2: 60}
	if got := client.predicts[0].box; got == nil || *got != want {
		t.Errorf("Expected box %+v, got %+v", want, got)
	}
	if box, ok := e.Box(); !ok || box != want {
		t.Errorf("Expected engine box %+v, got %+v", want, box)
	}
}

func TestGenerateWithoutAnnotation(t *testing.T) {
	client := newFakeClient()
	e, rec := newTestEngine(t, client)

	if err := e.Generate(context.Background(), ""); !errors.Is(err, ErrInput) {
		t.Errorf("Expected InputError without an image, got %v", err)
	}

	e.SelectFile(testImage(50, 50))
	err := e.Generate(context.Background(), "")
	var inputErr *InputError
	if !errors.As(err, &inputErr) || inputErr.Action != "generate" {
		t.Fatalf("Expected InputError, got %v", err)
	}
	if _, generates := client.counts(); generates != 0 {
		t.Errorf("Expected no generate call, got %d", generates)
	}
	if len(rec.notices) != 2 {
		t.Errorf("Expected both rejections to be reported, got %v", rec.notices)
	}
	if e.inflight != 0 {
		t.Error("Nothing should be in flight")
	}
}

func TestGenerateServiceFailure(t *testing.T) {
	client := newFakeClient()
	client.generateErr = &segclient.ServiceFailure{Status: "fail", Message: "no object detected"}
	e, rec := newTestEngine(t, client)
	e.SelectFile(testImage(50, 50))
	e.Click(10, 10, types.DisplayRect{Width: 50, Height: 50})

	if err := e.Generate(context.Background(), "persp"); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	e.Wait(waitCtx(t))

	if len(rec.notices) != 1 || rec.notices[0].Error() != "no object detected" || !segclient.IsServiceFailure(rec.notices[0]) {
		t.Fatalf("Expected a ServiceFailure notice, got %v", rec.notices)
	}
	if step := e.Progress().Step; step != workflow.Annotate {
		t.Errorf("Expected step 2, got %d", step)
	}
	if _, ok := e.Artifact(); ok {
		t.Error("Expected no artifact")
	}
}

func TestGenerateSuccessAdvancesStep(t *testing.T) {
	client := newFakeClient()
	client.artifact = types.ModelArtifact{ModelPath: "out/model.glb", ModelURL: "http://svc/out/model.glb"}
	e, rec := newTestEngine(t, client)
	e.SelectFile(testImage(50, 50))
	e.Click(10, 10, types.DisplayRect{Width: 50, Height: 50})

	if err := e.Generate(context.Background(), " Ortho "); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !e.Progress().Generating {
		t.Error("Expected generating to be reported while in flight")
	}
	e.Wait(waitCtx(t))

	if step := e.Progress().Step; step != workflow.Generate {
		t.Errorf("Expected step 3, got %d", step)
	}
	if client.generates[0].camera != CameraOrthographic {
		t.Errorf("Expected ortho camera, got %q", client.generates[0].camera)
	}
	if len(rec.artifacts) != 1 || rec.artifacts[0].ModelURL != "http://svc/out/model.glb" {
		t.Errorf("Unexpected artifacts %v", rec.artifacts)
	}

	// reselection returns to step 2
	e.SelectFile(testImage(60, 60))
	if step := e.Progress().Step; step != workflow.Annotate {
		t.Errorf("Expected step 2 after reselection, got %d", step)
	}
}

func TestGenerateCameraTypes(t *testing.T) {
	tests := []struct {
		camera string
		want   string
		valid  bool
	}{
		{"", CameraPerspective, true},
		{"persp", CameraPerspective, true},
		{"ortho", CameraOrthographic, true},
		{"fisheye", "", false},
	}

	for _, test := range tests {
		client := newFakeClient()
		e, _ := newTestEngine(t, client)
		e.SelectFile(testImage(20, 20))
		e.Click(1, 1, types.DisplayRect{Width: 20, Height: 20})

		err := e.Generate(context.Background(), test.camera)
		if !test.valid {
			if !errors.Is(err, ErrInput) {
				t.Errorf("%q: expected InputError, got %v", test.camera, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: Generate failed: %v", test.camera, err)
		}
		e.Wait(waitCtx(t))
		if got := client.generates[0].camera; got != test.want {
			t.Errorf("%q: expected %q, got %q", test.camera, test.want, got)
		}
	}
}

func TestDefaultCameraIgnoresCase(t *testing.T) {
	client := newFakeClient()
	e, _ := newTestEngine(t, client, WithDefaultCamera(" Ortho"))
	e.SelectFile(testImage(20, 20))
	e.Click(1, 1, types.DisplayRect{Width: 20, Height: 20})

	if err := e.Generate(context.Background(), ""); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	e.Wait(waitCtx(t))
	if got := client.generates[0].camera; got != CameraOrthographic {
		t.Errorf("Expected %q, got %q", CameraOrthographic, got)
	}
}

func TestStalePredictIsDiscarded(t *testing.T) {
	client := newFakeClient()
	first := client.gate(1)
	second := client.gate(2)
	e, _ := newTestEngine(t, client)
	e.SelectFile(testImage(40, 40))
	rect := types.DisplayRect{Width: 40, Height: 40}

	e.Click(5, 5, rect)
	e.Click(20, 20, rect)

	// the newer request answers first
	close(second)
	if err := e.Apply(next(t, e)); err != nil {
		t.Fatalf("Expected the latest response to apply, got %v", err)
	}
	shown := e.Mask()
	r, _, _, _ := shown.At(0, 0).RGBA()
	if r>>8 != 80 {
		t.Fatalf("Expected the second mask, got red %d", r>>8)
	}

	close(first)
	if err := e.Apply(next(t, e)); !errors.Is(err, ErrStaleResponse) {
		t.Fatalf("Expected ErrStaleResponse, got %v", err)
	}
	if e.Mask() != shown {
		t.Error("A stale response must leave the mask unchanged")
	}
	if e.Progress().Predicting {
		t.Error("Nothing should be pending")
	}
}

func TestOlderResponseWhileNewerPendingIsDiscarded(t *testing.T) {
	client := newFakeClient()
	second := client.gate(2)
	e, rec := newTestEngine(t, client)
	e.SelectFile(testImage(40, 40))
	rect := types.DisplayRect{Width: 40, Height: 40}

	e.Click(5, 5, rect)
	e.Click(20, 20, rect)

	if err := e.Apply(next(t, e)); !errors.Is(err, ErrStaleResponse) {
		t.Fatalf("Expected the superseded response to be discarded, got %v", err)
	}
	if e.Mask() != nil {
		t.Error("A superseded mask must not be shown")
	}
	close(second)
	if err := e.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if e.Mask() == nil {
		t.Error("Expected the latest mask")
	}
	if len(rec.notices) != 0 {
		t.Errorf("Stale responses must not be reported, got %v", rec.notices)
	}
}

func TestReselectionInvalidatesOutstandingRequests(t *testing.T) {
	client := newFakeClient()
	gate := client.gate(1)
	e, _ := newTestEngine(t, client)
	e.SelectFile(testImage(40, 40))
	e.Click(5, 5, types.DisplayRect{Width: 40, Height: 40})

	e.SelectFile(testImage(30, 30))
	if e.Progress().Predicting {
		t.Error("Requests for the previous image must not count as pending")
	}

	close(gate)
	if err := e.Apply(next(t, e)); !errors.Is(err, ErrStaleResponse) {
		t.Fatalf("Expected ErrStaleResponse, got %v", err)
	}
	if e.Mask() != nil || len(e.Marks()) != 0 {
		t.Error("Expected a clean state for the new image")
	}
}

func TestFailedPredictKeepsMark(t *testing.T) {
	client := newFakeClient()
	client.predictErr = &segclient.ServiceError{Op: "predict", StatusCode: 500, Err: errors.New("boom")}
	e, rec := newTestEngine(t, client)
	e.SelectFile(testImage(40, 40))
	e.Click(5, 5, types.DisplayRect{Width: 40, Height: 40})
	e.Wait(waitCtx(t))

	if len(e.Marks()) != 1 {
		t.Error("The mark must survive a failed predict")
	}
	if e.Mask() != nil {
		t.Error("Expected no mask")
	}
	if len(rec.notices) != 1 || !segclient.IsServiceError(rec.notices[0]) {
		t.Errorf("Expected one ServiceError notice, got %v", rec.notices)
	}
}

func TestClickWithoutImage(t *testing.T) {
	e, _ := newTestEngine(t, newFakeClient())
	if _, err := e.Click(1, 1, types.DisplayRect{Width: 1, Height: 1}); !errors.Is(err, ErrInput) {
		t.Errorf("Expected InputError, got %v", err)
	}
}

func TestClickWithEmptyDisplayRect(t *testing.T) {
	client := newFakeClient()
	e, rec := newTestEngine(t, client)
	e.SelectFile(testImage(800, 600))

	res, err := e.Click(400, 300, types.DisplayRect{})
	if !errors.Is(err, ErrInput) {
		t.Fatalf("Expected InputError, got %v", err)
	}
	if res.Mark != nil || len(e.Marks()) != 0 {
		t.Errorf("No mark may be recorded, got %+v", e.Marks())
	}
	if err := e.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if predicts, _ := client.counts(); predicts != 0 {
		t.Errorf("Expected no predict call, got %d", predicts)
	}
	if len(rec.notices) != 1 {
		t.Errorf("Expected one notice, got %v", rec.notices)
	}
}

func TestModeChangeDoesNotDiscardInflightPredict(t *testing.T) {
	client := newFakeClient()
	gate := client.gate(1)
	e, rec := newTestEngine(t, client)
	e.SelectFile(testImage(40, 40))

	e.Click(5, 5, types.DisplayRect{Width: 40, Height: 40})
	frames := rec.frames
	e.SetMode(types.BoxMode)
	close(gate)

	if err := e.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if e.Mask() == nil {
		t.Fatal("Expected the mask to be applied after the mode change")
	}
	if rec.frames <= frames {
		t.Error("Expected a redraw with the mask")
	}
	if e.Mode() != types.BoxMode {
		t.Errorf("Expected box mode, got %v", e.Mode())
	}
}

func TestResizeDoesNotRedraw(t *testing.T) {
	e, rec := newTestEngine(t, newFakeClient())
	e.SelectFile(testImage(80, 60))
	frames := rec.frames

	e.Resize(types.DisplayRect{Width: 40, Height: 30})
	e.Resize(types.DisplayRect{Width: 40, Height: 30})

	if rec.frames != frames {
		t.Error("Resize must not re-render the buffer")
	}
	if len(rec.layouts) != 1 || rec.layouts[0] != (coords.Size{Width: 40, Height: 30}) {
		t.Errorf("Expected one layout change, got %v", rec.layouts)
	}
	if b := e.Frame().Bounds(); b.Dx() != 80 || b.Dy() != 60 {
		t.Errorf("Expected a native-size buffer, got %v", b)
	}
}

type fakeSuggester struct {
	box types.Box
	err error
}

func (f fakeSuggester) Suggest(ctx context.Context, img types.Image) (types.Box, error) {
	return f.box, f.err
}

func TestSuggestSetsBoxAndPredicts(t *testing.T) {
	client := newFakeClient()
	e, _ := newTestEngine(t, client, WithSuggester(fakeSuggester{box: types.Box{X: 0.1, Y: 0.2, W: 0.5, H: 0.5}}))
	e.SelectFile(testImage(100, 100))

	if err := e.Suggest(context.Background()); err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	e.Wait(waitCtx(t))

	want := types.BoundingBox{X1: 10, Y1: 20, X2: 60, Y2: 70}
	if box, ok := e.Box(); !ok || box != want {
		t.Errorf("Expected box %+v, got %+v", want, box)
	}
	predicts, _ := client.counts()
	if predicts != 1 || client.predicts[0].box == nil {
		t.Errorf("Expected one predict with the suggested box, got %d", predicts)
	}
}

func TestSuggestErrors(t *testing.T) {
	e, _ := newTestEngine(t, newFakeClient())
	if err := e.Suggest(context.Background()); !errors.Is(err, ErrInput) {
		t.Errorf("Expected InputError without a backend, got %v", err)
	}

	e, rec := newTestEngine(t, newFakeClient(), WithSuggester(fakeSuggester{err: errors.New("model offline")}))
	e.SelectFile(testImage(10, 10))
	e.Suggest(context.Background())
	e.Wait(waitCtx(t))
	if len(rec.notices) != 1 || !segclient.IsServiceError(rec.notices[0]) {
		t.Errorf("Expected a ServiceError notice, got %v", rec.notices)
	}
}

func TestProgressNotifications(t *testing.T) {
	e, rec := newTestEngine(t, newFakeClient())
	if len(rec.progress) != 1 || rec.progress[0].Step != workflow.SelectImage {
		t.Fatalf("Expected initial step 1, got %v", rec.progress)
	}
	e.SelectFile(testImage(10, 10))
	if last := rec.progress[len(rec.progress)-1]; last.Step != workflow.Annotate {
		t.Errorf("Expected step 2 after selection, got %v", last)
	}
	count := len(rec.progress)
	e.SetMode(types.PointRemove)
	e.Resize(types.DisplayRect{Width: 5, Height: 5})
	if len(rec.progress) != count {
		t.Error("Unchanged progress must not be re-sent")
	}
}

func TestSequencer(t *testing.T) {
	var s Sequencer
	a := s.Next()
	b := s.Next()
	if s.Accept(a) {
		t.Error("An older sequence must not be accepted")
	}
	if !s.Accept(b) {
		t.Error("The latest sequence must be accepted")
	}
	if s.Accept(b) {
		t.Error("A sequence must not be accepted twice")
	}
	c := s.Next()
	s.Invalidate()
	if s.Latest() <= c {
		t.Errorf("Expected Invalidate to move past %d, latest is %d", c, s.Latest())
	}
	if s.Accept(c) {
		t.Error("An invalidated sequence must not be accepted")
	}
	if s.Applied() != b {
		t.Errorf("Expected applied %d, got %d", b, s.Applied())
	}
}
