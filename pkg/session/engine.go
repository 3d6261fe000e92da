// Package session ties the annotation components together behind a single
// owner. Every method of Engine must be called from the same goroutine; the
// service calls run in the background and come back through Results, to be
// handed to Apply by that same goroutine.
package session

import (
	"context"
	"errors"
	"image"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/menta2k/mask-annotator/pkg/annotation"
	"github.com/menta2k/mask-annotator/pkg/compositor"
	"github.com/menta2k/mask-annotator/pkg/coords"
	"github.com/menta2k/mask-annotator/pkg/segclient"
	"github.com/menta2k/mask-annotator/pkg/suggest"
	"github.com/menta2k/mask-annotator/pkg/types"
	"github.com/menta2k/mask-annotator/pkg/workflow"
)

const (
	CameraPerspective  = "persp"
	CameraOrthographic = "ortho"

	resultBuffer = 16
)

// MaskClient is the segmentation service boundary
type MaskClient interface {
	Predict(ctx context.Context, img types.Image, marks []types.Mark, box *types.BoundingBox) (image.Image, error)
	Generate(ctx context.Context, img types.Image, marks []types.Mark, box *types.BoundingBox, cameraType string) (types.ModelArtifact, error)
}

// Listener receives change notifications. Calls are made from the goroutine
// that owns the engine.
type Listener interface {
	Frame(buf *image.NRGBA)
	Progress(p workflow.Progress)
	Notice(err error)
	Artifact(a types.ModelArtifact)
	Layout(size coords.Size)
}

// NopListener ignores every notification. Embed it to implement only some callbacks.
type NopListener struct{}

func (NopListener) Frame(*image.NRGBA) {}
func (NopListener) Progress(workflow.Progress) {}
func (NopListener) Notice(error) {}
func (NopListener) Artifact(types.ModelArtifact) {}
func (NopListener) Layout(coords.Size) {}

// Kind tells which request a Result answers
type Kind int

const (
	KindPredict Kind = iota
	KindGenerate
	KindSuggest
)

func (k Kind) String() string {
	switch k {
	case KindPredict:
		return "predict"
	case KindGenerate:
		return "generate"
	case KindSuggest:
		return "suggest"
	}
	return "unknown"
}

// Result is the outcome of a background request
type Result struct {
	Kind  Kind
	Seq   uint64
	Epoch uint64

	Mask     image.Image
	Artifact types.ModelArtifact
	Box      types.Box
	Err      error
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithStyle sets the marker style used by the surface
func WithStyle(s compositor.Style) Option {
	return func(e *Engine) {
		e.style = s
	}
}

// WithSuggester enables Suggest
func WithSuggester(s suggest.Suggester) Option {
	return func(e *Engine) {
		e.suggester = s
	}
}

// WithDefaultCamera sets the camera type used when Generate gets an empty one
func WithDefaultCamera(camera string) Option {
	return func(e *Engine) {
		if c := strings.ToLower(strings.TrimSpace(camera)); c != "" {
			e.defaultCamera = c
		}
	}
}

type Engine struct {
	client    MaskClient
	suggester suggest.Suggester
	listener  Listener
	logger    *zap.Logger
	style     compositor.Style

	ctx    context.Context
	cancel context.CancelFunc

	state   *annotation.State
	surface *compositor.Surface
	sync    *coords.Synchronizer

	img      *types.Image
	mask     image.Image
	artifact *types.ModelArtifact

	epoch       uint64
	predictSeq  Sequencer
	generateSeq Sequencer
	suggestSeq  Sequencer

	// in flight for the current image, by kind
	pending  map[Kind]int
	inflight int

	results       chan Result
	defaultCamera string
	lastProgress  *workflow.Progress
}

// NewEngine creates an engine with no image selected
func NewEngine(client MaskClient, listener Listener, opts ...Option) *Engine {
	if listener == nil {
		listener = NopListener{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		client:        client,
		listener:      listener,
		logger:        zap.NewNop(),
		style:         compositor.DefaultStyle(),
		ctx:           ctx,
		cancel:        cancel,
		state:         annotation.New(),
		pending:       make(map[Kind]int),
		results:       make(chan Result, resultBuffer),
		defaultCamera: CameraPerspective,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.surface = compositor.NewSurface(e.style)
	e.sync = coords.NewSynchronizer(func(size coords.Size) {
		e.surface.SetCSSSize(size)
		e.listener.Layout(size)
	})
	e.notifyProgress()
	return e
}

// Close cancels every outstanding request. Results still buffered are dropped.
func (e *Engine) Close() {
	e.cancel()
}

// Results delivers finished background requests; pass each one to Apply
func (e *Engine) Results() <-chan Result {
	return e.results
}

// SelectFile makes img the current image. Marks, box and mask are cleared,
// the mode is kept, and every outstanding request becomes stale.
func (e *Engine) SelectFile(img types.Image) error {
	if img.Raster == nil {
		return e.reject(inputError("select image", "image has no pixels"))
	}
	if img.Width == 0 || img.Height == 0 {
		b := img.Raster.Bounds()
		img.Width, img.Height = b.Dx(), b.Dy()
	}

	e.img = &img
	e.state.Reset()
	e.mask = nil
	e.artifact = nil

	e.epoch++
	e.predictSeq.Invalidate()
	e.generateSeq.Invalidate()
	e.suggestSeq.Invalidate()
	e.pending = make(map[Kind]int)
	e.sync.Reset()

	e.logger.Debug("image selected",
		zap.String("name", img.Name),
		zap.Int("width", img.Width),
		zap.Int("height", img.Height),
		zap.Uint64("epoch", e.epoch))

	e.redraw()
	e.notifyProgress()
	return nil
}

// SetMode switches the annotation mode
func (e *Engine) SetMode(m types.Mode) {
	e.state.SetMode(m)
}

// Mode returns the active annotation mode
func (e *Engine) Mode() types.Mode {
	return e.state.Mode()
}

// Resize records the current display rectangle of the image. It only changes
// the surface's display size; the buffer is not re-rendered.
func (e *Engine) Resize(rect types.DisplayRect) {
	e.sync.Observe(rect)
}

// Click handles a pointer click at display coordinates. rect is the display
// rectangle of the image at the time of the click.
func (e *Engine) Click(pointerX, pointerY float64, rect types.DisplayRect) (annotation.ClickResult, error) {
	if e.img == nil {
		return annotation.ClickResult{}, e.reject(inputError("annotate", "no image selected"))
	}
	if rect.Width <= 0 || rect.Height <= 0 {
		return annotation.ClickResult{}, e.reject(inputError("annotate", "the image is not displayed"))
	}
	e.Resize(rect)

	x, y := coords.ToImageSpace(pointerX, pointerY, rect, e.img.Width, e.img.Height)
	res := e.state.Click(x, y)
	if !res.Predict {
		return res, nil
	}

	e.redraw()
	e.issuePredict()
	e.notifyProgress()
	return res, nil
}

// Generate starts a reconstruction from the current annotation
func (e *Engine) Generate(ctx context.Context, cameraType string) error {
	if e.img == nil {
		return e.reject(inputError("generate", "no image selected"))
	}
	if e.state.Empty() {
		return e.reject(inputError("generate", "add at least one point or a box first"))
	}
	camera, err := e.camera(cameraType)
	if err != nil {
		return e.reject(err)
	}

	img := *e.img
	snap := e.state.Snapshot()
	seq := e.generateSeq.Next()
	epoch := e.epoch
	e.track(KindGenerate)

	e.logger.Debug("generate issued",
		zap.Uint64("seq", seq),
		zap.Int("marks", len(snap.Marks)),
		zap.Bool("box", snap.Box != nil),
		zap.String("camera", camera))

	go func() {
		artifact, err := e.client.Generate(ctx, img, snap.Marks, snap.Box, camera)
		e.deliver(Result{Kind: KindGenerate, Seq: seq, Epoch: epoch, Artifact: artifact, Err: err})
	}()

	e.notifyProgress()
	return nil
}

// Suggest asks the suggestion backend for the subject of the current image
// and uses the answer as the box.
func (e *Engine) Suggest(ctx context.Context) error {
	if e.suggester == nil {
		return e.reject(inputError("suggest", "no suggestion backend configured"))
	}
	if e.img == nil {
		return e.reject(inputError("suggest", "no image selected"))
	}

	img := *e.img
	seq := e.suggestSeq.Next()
	epoch := e.epoch
	e.track(KindSuggest)

	e.logger.Debug("suggest issued", zap.Uint64("seq", seq))

	go func() {
		box, err := e.suggester.Suggest(ctx, img)
		if err != nil {
			err = &segclient.ServiceError{Op: "suggest", Err: err}
		}
		e.deliver(Result{Kind: KindSuggest, Seq: seq, Epoch: epoch, Box: box, Err: err})
	}()

	e.notifyProgress()
	return nil
}

func (e *Engine) sequencer(kind Kind) *Sequencer {
	switch kind {
	case KindGenerate:
		return &e.generateSeq
	case KindSuggest:
		return &e.suggestSeq
	}
	return &e.predictSeq
}

// Apply applies a background result. It returns ErrStaleResponse when the
// result was superseded, otherwise the request's own error, which has
// already been reported to the listener.
func (e *Engine) Apply(r Result) error {
	e.inflight--
	current := r.Epoch == e.epoch
	if current {
		e.pending[r.Kind]--
	}
	defer e.notifyProgress()

	seq := e.sequencer(r.Kind)
	if !current || !seq.Accept(r.Seq) {
		e.logger.Debug("stale response discarded",
			zap.Stringer("kind", r.Kind),
			zap.Uint64("seq", r.Seq),
			zap.Uint64("latest", seq.Latest()),
			zap.Uint64("epoch", r.Epoch))
		return ErrStaleResponse
	}

	if r.Err != nil {
		e.logger.Warn("request failed", zap.Stringer("kind", r.Kind), zap.Uint64("seq", r.Seq), zap.Error(r.Err))
		e.listener.Notice(r.Err)
		return r.Err
	}

	switch r.Kind {
	case KindPredict:
		e.mask = r.Mask
		e.logger.Debug("mask applied", zap.Uint64("seq", r.Seq))
		e.redraw()

	case KindGenerate:
		artifact := r.Artifact
		e.artifact = &artifact
		e.logger.Info("model generated", zap.String("model", artifact.ModelURL))
		e.listener.Artifact(artifact)

	case KindSuggest:
		box := types.BoxFromNormalized(r.Box, e.img.Width, e.img.Height)
		e.state.SetBox(box)
		e.logger.Debug("suggested box applied", zap.Any("box", box))
		e.redraw()
		e.issuePredict()
	}
	return nil
}

// Wait applies results until no request is in flight
func (e *Engine) Wait(ctx context.Context) error {
	for e.inflight > 0 {
		select {
		case r := <-e.results:
			e.Apply(r)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Progress returns the current workflow progress
func (e *Engine) Progress() workflow.Progress {
	return workflow.Derive(workflow.Facts{
		HasImage:       e.img != nil,
		HasAnnotation:  !e.state.Empty(),
		Generated:      e.artifact != nil,
		PendingPredict: e.pending[KindPredict] + e.pending[KindSuggest],
		Generating:     e.pending[KindGenerate] > 0,
	})
}

// Frame returns the last rendered buffer
func (e *Engine) Frame() *image.NRGBA {
	return e.surface.Buffer()
}

// CSSSize returns the display size of the surface
func (e *Engine) CSSSize() coords.Size {
	return e.surface.CSSSize()
}

// Image returns the current image
func (e *Engine) Image() (types.Image, bool) {
	if e.img == nil {
		return types.Image{}, false
	}
	return *e.img, true
}

// Mask returns the mask currently shown, or nil
func (e *Engine) Mask() image.Image {
	return e.mask
}

// Marks returns the marks in insertion order
func (e *Engine) Marks() []types.Mark {
	return e.state.Marks()
}

// Box returns the completed box, if any
func (e *Engine) Box() (types.BoundingBox, bool) {
	return e.state.Box()
}

// Artifact returns the model generated for the current image, if any
func (e *Engine) Artifact() (types.ModelArtifact, bool) {
	if e.artifact == nil {
		return types.ModelArtifact{}, false
	}
	return *e.artifact, true
}

func (e *Engine) issuePredict() {
	img := *e.img
	snap := e.state.Snapshot()
	seq := e.predictSeq.Next()
	epoch := e.epoch
	e.track(KindPredict)

	e.logger.Debug("predict issued",
		zap.Uint64("seq", seq),
		zap.Int("marks", len(snap.Marks)),
		zap.Bool("box", snap.Box != nil))

	go func() {
		mask, err := e.client.Predict(e.ctx, img, snap.Marks, snap.Box)
		e.deliver(Result{Kind: KindPredict, Seq: seq, Epoch: epoch, Mask: mask, Err: err})
	}()
}

func (e *Engine) track(kind Kind) {
	e.pending[kind]++
	e.inflight++
}

func (e *Engine) deliver(r Result) {
	select {
	case e.results <- r:
	case <-e.ctx.Done():
	}
}

func (e *Engine) camera(cameraType string) (string, error) {
	camera := strings.ToLower(strings.TrimSpace(cameraType))
	if camera == "" {
		camera = e.defaultCamera
	}
	switch camera {
	case CameraPerspective, CameraOrthographic:
		return camera, nil
	}
	return "", inputError("generate", "unknown camera type "+strconv.Quote(cameraType))
}

func (e *Engine) redraw() {
	layers := compositor.Layers{
		Mask:  e.mask,
		Marks: e.state.Marks(),
	}
	if e.img != nil {
		layers.Image = e.img.Raster
	}
	if box, ok := e.state.Box(); ok {
		layers.Box = &box
	}
	e.listener.Frame(e.surface.Redraw(layers))
}

func (e *Engine) notifyProgress() {
	p := e.Progress()
	if e.lastProgress != nil && *e.lastProgress == p {
		return
	}
	e.lastProgress = &p
	e.listener.Progress(p)
}

func (e *Engine) reject(err error) error {
	if errors.Is(err, ErrInput) {
		e.logger.Debug("input rejected", zap.Error(err))
	}
	e.listener.Notice(err)
	return err
}
