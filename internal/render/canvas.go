package render

import (
	"image"

	"github.com/fogleman/gg"
	xdraw "golang.org/x/image/draw"
)

// Overlay colours.
const (
	Green = "#32EEDB"
	Red   = "#FF2C35"
	Blue  = "#157AB3"
)

// Point is a 2D canvas coordinate.
type Point struct {
	X, Y float64
}

// Canvas is the 2D drawing surface the renderers draw on.
type Canvas interface {
	DrawFrame(img image.Image)
	SetStrokeStyle(hex string)
	SetFillStyle(hex string)
	SetLineWidth(w float64)
	StrokePath(points []Point, closed bool)
	FillCircle(x, y, r float64)
	StrokeEllipse(x, y, rx, ry float64)
}

// ImageCanvas is a Canvas backed by an in-memory RGBA image.
type ImageCanvas struct {
	dc     *gg.Context
	frame  *image.RGBA
	stroke string
	fill   string
	lineW  float64
	mirror bool
	width  int
	height int
}

// NewImageCanvas allocates a width x height canvas. When mirror is set every
// drawing operation is flipped about the vertical axis, once, for the life of the canvas.
func NewImageCanvas(width, height int, mirror bool) *ImageCanvas {
	dc := gg.NewContext(width, height)
	if mirror {
		dc.Translate(float64(width), 0)
		dc.Scale(-1, 1)
	}
	return &ImageCanvas{
		dc:     dc,
		frame:  image.NewRGBA(image.Rect(0, 0, width, height)),
		stroke: Green,
		fill:   Green,
		lineW:  0.5,
		mirror: mirror,
		width:  width,
		height: height,
	}
}

// Width returns the canvas width in pixels.
func (c *ImageCanvas) Width() int { return c.width }

// Height returns the canvas height in pixels.
func (c *ImageCanvas) Height() int { return c.height }

// Mirrored reports whether the horizontal flip is active.
func (c *ImageCanvas) Mirrored() bool { return c.mirror }

// DrawFrame scales img to the full canvas and paints it.
func (c *ImageCanvas) DrawFrame(img image.Image) {
	src := img
	if img.Bounds().Dx() != c.width || img.Bounds().Dy() != c.height {
		xdraw.ApproxBiLinear.Scale(c.frame, c.frame.Bounds(), img, img.Bounds(), xdraw.Src, nil)
		src = c.frame
	}
	c.dc.DrawImage(src, 0, 0)
}

func (c *ImageCanvas) SetStrokeStyle(hex string) { c.stroke = hex }
func (c *ImageCanvas) SetFillStyle(hex string)   { c.fill = hex }
func (c *ImageCanvas) SetLineWidth(w float64)    { c.lineW = w }

func (c *ImageCanvas) StrokePath(points []Point, closed bool) {
	if len(points) == 0 {
		return
	}
	c.dc.NewSubPath()
	c.dc.MoveTo(points[0].X, points[0].Y)
	for _, p := range points[1:] {
		c.dc.LineTo(p.X, p.Y)
	}
	if closed {
		c.dc.ClosePath()
	}
	c.dc.SetHexColor(c.stroke)
	c.dc.SetLineWidth(c.lineW)
	c.dc.Stroke()
}

func (c *ImageCanvas) FillCircle(x, y, r float64) {
	c.dc.DrawCircle(x, y, r)
	c.dc.SetHexColor(c.fill)
	c.dc.Fill()
}

func (c *ImageCanvas) StrokeEllipse(x, y, rx, ry float64) {
	c.dc.DrawEllipse(x, y, rx, ry)
	c.dc.SetHexColor(c.stroke)
	c.dc.SetLineWidth(c.lineW)
	c.dc.Stroke()
}

// Image returns the live backing image. It is overwritten by the next cycle.
func (c *ImageCanvas) Image() image.Image {
	return c.dc.Image()
}
