package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/menta2k/mask-annotator/pkg/coords"
	"github.com/menta2k/mask-annotator/pkg/imageio"
	"github.com/menta2k/mask-annotator/pkg/session"
	"github.com/menta2k/mask-annotator/pkg/types"
	"github.com/menta2k/mask-annotator/pkg/workflow"
)

const writeWait = 10 * time.Second

// connection is one browser session. Only the serve goroutine touches the
// engine or writes to the socket; the reader goroutine just decodes.
type connection struct {
	conn   *websocket.Conn
	loader *imageio.Loader
	logger *zap.Logger

	engine   *session.Engine
	css      coords.Size
	writeErr error
}

func newConnection(conn *websocket.Conn, loader *imageio.Loader, logger *zap.Logger) *connection {
	return &connection{conn: conn, loader: loader, logger: logger}
}

func (c *connection) serve(ctx context.Context, factory EngineFactory) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.Close()

	c.engine = factory(c)
	defer c.engine.Close()

	incoming := make(chan Inbound)
	go c.read(ctx, incoming)

	for c.writeErr == nil {
		select {
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			c.handle(ctx, msg)
		case r := <-c.engine.Results():
			c.engine.Apply(r)
		case <-ctx.Done():
			return
		}
	}
	c.logger.Warn("websocket write failed", zap.Error(c.writeErr))
}

func (c *connection) read(ctx context.Context, out chan<- Inbound) {
	defer close(out)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring malformed message", zap.Error(err))
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// handle applies one inbound message. Engine errors have already been
// reported through Notice.
func (c *connection) handle(ctx context.Context, msg Inbound) {
	c.logger.Debug("message", zap.String("type", msg.Type))

	switch msg.Type {
	case MsgSelect:
		img, err := c.loadImage(msg)
		if err != nil {
			c.send(Outbound{Type: MsgNotice, Notice: &Notice{Kind: NoticeInput, Message: err.Error()}})
			return
		}
		c.engine.SelectFile(img)
		if msg.Rect != nil {
			c.engine.Resize(*msg.Rect)
		}

	case MsgMode:
		mode, err := types.ParseMode(msg.Mode)
		if err != nil {
			c.send(Outbound{Type: MsgNotice, Notice: &Notice{Kind: NoticeInput, Message: err.Error()}})
			return
		}
		c.engine.SetMode(mode)

	case MsgClick:
		if msg.Rect == nil {
			c.send(Outbound{Type: MsgNotice, Notice: &Notice{Kind: NoticeInput, Message: "click without display rectangle"}})
			return
		}
		c.engine.Click(msg.X, msg.Y, *msg.Rect)

	case MsgResize:
		if msg.Rect != nil {
			c.engine.Resize(*msg.Rect)
		}

	case MsgGenerate:
		c.engine.Generate(ctx, msg.CameraType)

	case MsgSuggest:
		c.engine.Suggest(ctx)

	default:
		c.send(Outbound{Type: MsgNotice, Notice: &Notice{Kind: NoticeInput, Message: fmt.Sprintf("unknown message type %q", msg.Type)}})
	}
}

func (c *connection) loadImage(msg Inbound) (types.Image, error) {
	if msg.URL != "" {
		return c.loader.LoadImageFromURL(msg.URL)
	}
	if msg.Data == "" {
		return types.Image{}, fmt.Errorf("select needs image data or a URL")
	}

	data := msg.Data
	if i := strings.Index(data, ","); i >= 0 && strings.HasPrefix(data, "data:") {
		data = data[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return types.Image{}, fmt.Errorf("invalid image data: %w", err)
	}

	name := msg.Name
	if name == "" {
		name = "image"
	}
	return c.loader.FromBytes(name, raw)
}

func (c *connection) send(msg Outbound) {
	if c.writeErr != nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.writeErr = c.conn.WriteJSON(msg)
}

// session.Listener

func (c *connection) Frame(buf *image.NRGBA) {
	png, err := imageio.EncodePNG(buf)
	if err != nil {
		c.logger.Error("failed to encode frame", zap.Error(err))
		return
	}
	_, hasBox := c.engine.Box()
	c.send(Outbound{Type: MsgFrame, Frame: &Frame{
		PNG:     base64.StdEncoding.EncodeToString(png),
		Width:   buf.Bounds().Dx(),
		Height:  buf.Bounds().Dy(),
		CSS:     c.css,
		Marks:   len(c.engine.Marks()),
		HasMask: c.engine.Mask() != nil,
		HasBox:  hasBox,
	}})
}

func (c *connection) Progress(p workflow.Progress) {
	c.send(Outbound{Type: MsgProgress, Progress: &p})
}

func (c *connection) Notice(err error) {
	c.send(Outbound{Type: MsgNotice, Notice: noticeFor(err)})
}

func (c *connection) Artifact(a types.ModelArtifact) {
	c.send(Outbound{Type: MsgArtifact, Artifact: &a})
}

func (c *connection) Layout(size coords.Size) {
	c.css = size
	c.send(Outbound{Type: MsgLayout, Layout: &size})
}

var _ session.Listener = (*connection)(nil)
