package media

import (
	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
)

// NearestRescaler resizes I420 frames by nearest-neighbour sampling. It
// owns one output frame that is overwritten by every call, so the result
// is only valid until the next Rescale.
type NearestRescaler struct {
	out  *domain.Frame
	srcW [3]int
	xmap [3][]int
}

func NewRescaler() ports.Rescaler {
	return &NearestRescaler{}
}

func (r *NearestRescaler) Rescale(src *domain.Frame, width, height int) (*domain.Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, domain.ErrInvalidDimensions
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if src.Kind != domain.KindVideo {
		return nil, domain.ErrInvalidFrame
	}

	if r.out == nil || r.out.Width != width || r.out.Height != height {
		out, err := domain.NewVideoFrame(width, height)
		if err != nil {
			return nil, err
		}
		r.out = out
		r.xmap = [3][]int{}
		r.srcW = [3]int{}
	}
	out := r.out

	for p := 0; p < 3; p++ {
		sw, sh := src.PlaneSize(p)
		dw, dh := out.PlaneSize(p)

		xm := r.xmap[p]
		if len(xm) != dw || r.srcW[p] != sw {
			xm = make([]int, dw)
			for x := range xm {
				xm[x] = x * sw / dw
			}
			r.xmap[p], r.srcW[p] = xm, sw
		}

		sStride, dStride := src.Stride[p], out.Stride[p]
		for y := 0; y < dh; y++ {
			sy := y * sh / dh
			srow := src.Data[p][sy*sStride : sy*sStride+sw]
			drow := out.Data[p][y*dStride : y*dStride+dw]
			for x, sx := range xm {
				drow[x] = srow[sx]
			}
		}
	}

	out.PTS = src.PTS
	out.X, out.Y, out.Z = src.X, src.Y, src.Z
	return out, nil
}
