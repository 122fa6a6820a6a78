package services

import (
	"math"
	"sort"
	"sync"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/pkg/optimize"

	"go.uber.org/zap"
)

// Layer places one input frame on the canvas.
type Layer struct {
	Frame *domain.Frame
	X     int
	Y     int
	Z     int
}

type scaleContext struct {
	rescaler   ports.Rescaler
	srcW, srcH int
	dstW, dstH int
	src        *domain.Frame
	out        *domain.Frame
}

// Compositor blits z-ordered layers onto a fixed-size I420 canvas.
type Compositor struct {
	width  int
	height int
	logger *zap.SugaredLogger

	newRescaler func() ports.Rescaler
	canvasPool  *optimize.BytePool

	mu      sync.Mutex
	scalers map[string]*scaleContext
}

func NewCompositor(width, height int, newRescaler func() ports.Rescaler, logger *zap.SugaredLogger) (*Compositor, error) {
	if width <= 0 || height <= 0 {
		return nil, domain.ErrInvalidDimensions
	}
	return &Compositor{
		width:       width,
		height:      height,
		logger:      logger,
		newRescaler: newRescaler,
		canvasPool:  optimize.NewBytePool(domain.VideoBufferSize(width, height)),
		scalers:     make(map[string]*scaleContext),
	}, nil
}

func (c *Compositor) Size() (int, int) {
	return c.width, c.height
}

// Scale returns f resized to w x h. The rescale context for key is built
// lazily and rebuilt when the source geometry or the target changes; the
// result is reused while the source frame stays the same.
func (c *Compositor) Scale(key string, f *domain.Frame, w, h int) (*domain.Frame, error) {
	if w <= 0 || h <= 0 {
		return nil, domain.ErrInvalidDimensions
	}
	if f.Width == w && f.Height == h {
		return f, nil
	}
	if c.newRescaler == nil {
		return f, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sc := c.scalers[key]
	if sc == nil || sc.dstW != w || sc.dstH != h || sc.srcW != f.Width || sc.srcH != f.Height {
		sc = &scaleContext{
			rescaler: c.newRescaler(),
			srcW:     f.Width,
			srcH:     f.Height,
			dstW:     w,
			dstH:     h,
		}
		c.scalers[key] = sc
	}
	if sc.src == f && sc.out != nil {
		return sc.out, nil
	}

	out, err := sc.rescaler.Rescale(f, w, h)
	if err != nil {
		return nil, err
	}
	sc.src, sc.out = f, out
	return out, nil
}

// Forget drops the rescale context of key.
func (c *Compositor) Forget(key string) {
	c.mu.Lock()
	delete(c.scalers, key)
	c.mu.Unlock()
}

// Compose paints layers in ascending z order over a background canvas.
// The returned frame holds one reference; Release hands its buffer back to
// the pool.
func (c *Compositor) Compose(layers []Layer, bgColor int) (*domain.Frame, error) {
	canvas, err := c.newCanvas()
	if err != nil {
		return nil, err
	}
	y, u, v := RGBToYUV(bgColor)
	Fill(canvas, y, u, v)

	visible := make([]Layer, 0, len(layers))
	for _, l := range layers {
		if l.Frame == nil {
			c.logger.Warnw("nil frame in layer list, skipping")
			continue
		}
		visible = append(visible, l)
	}
	sort.Slice(visible, func(i, j int) bool {
		return visible[i].Z < visible[j].Z
	})

	for _, l := range visible {
		if !Overlay(canvas, l.Frame, l.X, l.Y) {
			c.logger.Debugw("layer outside canvas, skipping", "x", l.X, "y", l.Y, "w", l.Frame.Width, "h", l.Frame.Height)
		}
	}
	return canvas, nil
}

func (c *Compositor) newCanvas() (*domain.Frame, error) {
	buf := c.canvasPool.Get()
	f, err := domain.NewVideoFrameFromBuffer(c.width, c.height, buf)
	if err != nil {
		return nil, err
	}
	f.SetReleaser(func(*domain.Frame) {
		c.canvasPool.Put(buf)
	})
	return f, nil
}

// RGBToYUV converts 0xRRGGBB to studio-swing BT.601 YUV.
func RGBToYUV(rgb int) (y, u, v uint8) {
	r := float64((rgb >> 16) & 0xFF)
	g := float64((rgb >> 8) & 0xFF)
	b := float64(rgb & 0xFF)

	y = clampByte(0.257*r + 0.504*g + 0.098*b + 16)
	u = clampByte(-0.148*r - 0.291*g + 0.439*b + 128)
	v = clampByte(0.439*r - 0.368*g - 0.071*b + 128)
	return y, u, v
}

func clampByte(f float64) uint8 {
	f = math.Round(f)
	if f < 0 {
		return 0
	}
	if f > 255 {
		return 255
	}
	return uint8(f)
}

// Fill paints every plane of f with one color.
func Fill(f *domain.Frame, y, u, v uint8) {
	for i, val := range [3]uint8{y, u, v} {
		plane := f.Data[i]
		for j := range plane {
			plane[j] = val
		}
	}
}

type clipRect struct {
	srcX, srcY int
	dstX, dstY int
	cols, rows int
}

// clip intersects a sw x sh plane placed at (x, y) with a dw x dh plane.
func clip(x, y, sw, sh, dw, dh int) clipRect {
	r := clipRect{dstX: x, dstY: y, cols: sw, rows: sh}
	if x < 0 {
		r.srcX = -x
		r.dstX = 0
		r.cols += x
	}
	if y < 0 {
		r.srcY = -y
		r.dstY = 0
		r.rows += y
	}
	if r.dstX+r.cols > dw {
		r.cols = dw - r.dstX
	}
	if r.dstY+r.rows > dh {
		r.rows = dh - r.dstY
	}
	return r
}

// Overlay copies src onto dst with its top-left corner at (x, y), clipping
// at the canvas edges. It reports false when nothing was drawn.
func Overlay(dst, src *domain.Frame, x, y int) bool {
	if dst == nil || src == nil {
		return false
	}
	if x >= dst.Width || y >= dst.Height || x+src.Width <= 0 || y+src.Height <= 0 {
		return false
	}

	for i := 0; i < 3; i++ {
		px, py := x, y
		if i > 0 {
			px, py = x>>1, y>>1
		}
		sw, sh := src.PlaneSize(i)
		dw, dh := dst.PlaneSize(i)

		r := clip(px, py, sw, sh, dw, dh)
		cols := min(r.cols, src.Stride[i]-r.srcX, dst.Stride[i]-r.dstX)
		if cols <= 0 || r.rows <= 0 {
			continue
		}

		for row := 0; row < r.rows; row++ {
			so := (r.srcY+row)*src.Stride[i] + r.srcX
			do := (r.dstY+row)*dst.Stride[i] + r.dstX
			copy(dst.Data[i][do:do+cols], src.Data[i][so:so+cols])
		}
	}
	return true
}
