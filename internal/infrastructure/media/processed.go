package media

import (
	"context"
	"fmt"

	"teleconsulta/internal/core/ports"
)

// Transform derives a frame from a capture frame. It must not modify the
// input's Data.
type Transform func(Frame) Frame

// NewProcessedTrack derives a new capture from src by applying fn to every
// frame. The processed capture holds its own clone of src, released when
// the last processed handle stops.
func NewProcessedTrack(src ports.MediaTrack, id string, fn Transform) (*Track, error) {
	clone, err := src.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone source: %w", err)
	}
	reader, ok := clone.(FrameReader)
	if !ok {
		clone.Stop()
		return nil, fmt.Errorf("track %s does not deliver frames", src.ID())
	}
	return NewCapture(id, src.Kind(), &processedSource{in: clone, frames: reader.Frames(), fn: fn}), nil
}

type processedSource struct {
	in     ports.MediaTrack
	frames <-chan Frame
	fn     Transform
}

func (s *processedSource) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case f, ok := <-s.frames:
		if !ok {
			return Frame{}, ErrTrackEnded
		}
		return s.fn(f), nil
	}
}

func (s *processedSource) Close() error {
	s.in.Stop()
	return nil
}

// VirtualBackground replaces everything outside a centred ellipse, where
// the person usually sits, with a flat backdrop of the given luma.
func VirtualBackground(luma byte) Transform {
	return func(f Frame) Frame {
		w, h := f.Width, f.Height
		if len(f.Data) < I420Size(w, h) || w == 0 || h == 0 {
			return f
		}

		out := make([]byte, len(f.Data))
		copy(out, f.Data)
		yp, up, vp := planes(out, w, h)

		cx, cy := float64(w)/2, float64(h)/2
		rx, ry := float64(w)*0.3, float64(h)*0.45
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dx, dy := (float64(x)-cx)/rx, (float64(y)-cy)/ry
				if dx*dx+dy*dy <= 1 {
					continue
				}
				yp[y*w+x] = luma
				if x%2 == 0 && y%2 == 0 {
					i := (y/2)*(w/2) + x/2
					up[i], vp[i] = 128, 128
				}
			}
		}

		f.Data = out
		return f
	}
}
