package live

import (
	"errors"

	"github.com/menta2k/mask-annotator/pkg/coords"
	"github.com/menta2k/mask-annotator/pkg/segclient"
	"github.com/menta2k/mask-annotator/pkg/session"
	"github.com/menta2k/mask-annotator/pkg/types"
	"github.com/menta2k/mask-annotator/pkg/workflow"
)

// Client to server message types
const (
	MsgSelect   = "select"
	MsgMode     = "mode"
	MsgClick    = "click"
	MsgResize   = "resize"
	MsgGenerate = "generate"
	MsgSuggest  = "suggest"
)

// Server to client message types
const (
	MsgFrame    = "frame"
	MsgProgress = "progress"
	MsgNotice   = "notice"
	MsgArtifact = "artifact"
	MsgLayout   = "layout"
)

// Notice kinds
const (
	NoticeInput   = "input"
	NoticeService = "service"
	NoticeFailure = "failure"
	NoticeError   = "error"
)

// Inbound is a message from the browser
type Inbound struct {
	Type string `json:"type"`

	// select: either base64 image bytes or an http(s) URL
	Name string `json:"name,omitempty"`
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`

	// mode
	Mode string `json:"mode,omitempty"`

	// click and resize; rect is the image element's bounding rectangle
	X    float64            `json:"x,omitempty"`
	Y    float64            `json:"y,omitempty"`
	Rect *types.DisplayRect `json:"rect,omitempty"`

	// generate
	CameraType string `json:"camera_type,omitempty"`
}

// Frame carries the rendered surface
type Frame struct {
	PNG     string      `json:"png"`
	Width   int         `json:"width"`
	Height  int         `json:"height"`
	CSS     coords.Size `json:"css"`
	Marks   int         `json:"marks"`
	HasMask bool        `json:"has_mask"`
	HasBox  bool        `json:"has_box"`
}

// Notice is a user-visible error
type Notice struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Outbound is a message to the browser. Exactly one payload field is set.
type Outbound struct {
	Type     string               `json:"type"`
	Frame    *Frame               `json:"frame,omitempty"`
	Progress *workflow.Progress   `json:"progress,omitempty"`
	Notice   *Notice              `json:"notice,omitempty"`
	Artifact *types.ModelArtifact `json:"artifact,omitempty"`
	Layout   *coords.Size         `json:"layout,omitempty"`
}

func noticeFor(err error) *Notice {
	kind := NoticeError
	switch {
	case errors.Is(err, session.ErrInput):
		kind = NoticeInput
	case segclient.IsServiceFailure(err):
		kind = NoticeFailure
	case segclient.IsServiceError(err):
		kind = NoticeService
	}
	return &Notice{Kind: kind, Message: err.Error()}
}
