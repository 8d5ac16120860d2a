package media

import (
	"context"
	"math"
	"time"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"

	"github.com/google/uuid"
)

type Pattern int

const (
	PatternColorBars Pattern = iota
	PatternMovingBox
	PatternSolid
)

func (p Pattern) String() string {
	switch p {
	case PatternColorBars:
		return "color_bars"
	case PatternMovingBox:
		return "moving_box"
	case PatternSolid:
		return "solid"
	default:
		return "unknown"
	}
}

type PatternConfig struct {
	Width   int
	Height  int
	FPS     int
	Pattern Pattern
	// Keyframe every n frames.
	KeyframeInterval int
}

func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		Width:            320,
		Height:           240,
		FPS:              15,
		Pattern:          PatternMovingBox,
		KeyframeInterval: 30,
	}
}

// TestPatternDevice is a synthetic camera. It implements ports.CaptureDevice.
type TestPatternDevice struct {
	name       string
	cfg        PatternConfig
	permission bool
}

// NewTestPatternDevice returns a device; when permission is false Open fails
// the way a refused camera prompt does.
func NewTestPatternDevice(name string, cfg PatternConfig, permission bool) *TestPatternDevice {
	def := DefaultPatternConfig()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.FPS <= 0 {
		cfg.FPS = def.FPS
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = def.KeyframeInterval
	}
	return &TestPatternDevice{name: name, cfg: cfg, permission: permission}
}

func (d *TestPatternDevice) Open(ctx context.Context) (ports.MediaTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !d.permission {
		return nil, domain.ErrPermissionDenied
	}
	id := d.name + "-" + uuid.NewString()[:8]
	return NewCapture(id, ports.KindVideo, newPatternSource(d.cfg)), nil
}

type patternSource struct {
	cfg    PatternConfig
	ticker *time.Ticker
	start  time.Time
	frame  uint64
}

func newPatternSource(cfg PatternConfig) *patternSource {
	return &patternSource{
		cfg:    cfg,
		ticker: time.NewTicker(time.Second / time.Duration(cfg.FPS)),
		start:  time.Now(),
	}
}

func (s *patternSource) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.ticker.C:
	}

	n := s.frame
	s.frame++
	return Frame{
		Data:      s.render(n),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Timestamp: time.Since(s.start),
		Keyframe:  n%uint64(s.cfg.KeyframeInterval) == 0,
	}, nil
}

func (s *patternSource) Close() error {
	s.ticker.Stop()
	return nil
}

func (s *patternSource) render(n uint64) []byte {
	w, h := s.cfg.Width, s.cfg.Height
	buf := make([]byte, I420Size(w, h))
	y, u, v := planes(buf, w, h)

	switch s.cfg.Pattern {
	case PatternColorBars:
		drawColorBars(y, u, v, w, h)
	case PatternMovingBox:
		drawMovingBox(y, u, v, w, h, n)
	default:
		fill(y, 128)
		fill(u, 128)
		fill(v, 128)
	}
	return buf
}

// I420Size is the byte size of a w x h I420 frame.
func I420Size(w, h int) int {
	return w*h + 2*(w/2)*(h/2)
}

func planes(buf []byte, w, h int) (y, u, v []byte) {
	ySize := w * h
	uvSize := (w / 2) * (h / 2)
	return buf[:ySize], buf[ySize : ySize+uvSize], buf[ySize+uvSize:]
}

var colorBars = [][3]uint8{
	{192, 192, 192},
	{192, 192, 0},
	{0, 192, 192},
	{0, 192, 0},
	{192, 0, 192},
	{192, 0, 0},
	{0, 0, 192},
	{16, 16, 16},
}

func drawColorBars(yp, up, vp []byte, w, h int) {
	barWidth := w / len(colorBars)
	if barWidth == 0 {
		barWidth = 1
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			bar := x / barWidth
			if bar >= len(colorBars) {
				bar = len(colorBars) - 1
			}
			rgb := colorBars[bar]
			yy, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])
			yp[y*w+x] = yy
			if x%2 == 0 && y%2 == 0 {
				i := (y/2)*(w/2) + x/2
				up[i], vp[i] = u, v
			}
		}
	}
}

func drawMovingBox(yp, up, vp []byte, w, h int, n uint64) {
	fill(yp, 16)
	fill(up, 128)
	fill(vp, 128)

	box := min(w, h) / 4
	radius := float64(min(w, h)) / 4
	angle := float64(n) * 0.05
	bx := w/2 + int(radius*math.Cos(angle)) - box/2
	by := h/2 + int(radius*math.Sin(angle)) - box/2

	for y := max(by, 0); y < by+box && y < h; y++ {
		for x := max(bx, 0); x < bx+box && x < w; x++ {
			yp[y*w+x] = 235
		}
	}
}

func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	rf, gf, bf := float64(r), float64(g), float64(b)
	y = clamp(16 + 0.257*rf + 0.504*gf + 0.098*bf)
	u = clamp(128 - 0.148*rf - 0.291*gf + 0.439*bf)
	v = clamp(128 + 0.439*rf - 0.368*gf - 0.071*bf)
	return y, u, v
}

func clamp(f float64) uint8 {
	if f < 0 {
		return 0
	}
	if f > 255 {
		return 255
	}
	return uint8(f)
}

func fill(p []byte, v byte) {
	for i := range p {
		p[i] = v
	}
}
