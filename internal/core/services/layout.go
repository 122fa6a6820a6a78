package services

import (
	"sync"

	"rillmix/internal/core/domain"
)

const (
	layoutPerRow = 4
	layoutMargin = 0.05
)

type Placement struct {
	X int
	Y int
	W int
	H int
	Z int
}

// GridLayout places the first input full-canvas and every later input as
// a thumbnail in rows along the bottom edge.
type GridLayout struct {
	mu     sync.Mutex
	width  int
	height int
	ids    []domain.InputID
}

func NewGridLayout(width, height int) *GridLayout {
	return &GridLayout{width: width, height: height}
}

// Position computes the window of the idx-th input.
func (g *GridLayout) Position(idx int) Placement {
	if idx == 0 {
		return Placement{W: g.width, H: g.height}
	}

	w, h := float64(g.width), float64(g.height)
	margin := w * layoutMargin
	winW := (w - margin*(layoutPerRow+1)) / layoutPerRow
	winH := winW * h / w
	row := (idx - 1) / layoutPerRow
	col := (idx - 1) % layoutPerRow

	return Placement{
		X: int(margin + float64(col)*(winW+margin)),
		Y: int(h - float64(row+1)*(winH+margin)),
		W: int(winW),
		H: int(winH),
		Z: 1,
	}
}

// Add appends id and returns its placement.
func (g *GridLayout) Add(id domain.InputID) Placement {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, existing := range g.ids {
		if existing == id {
			return g.Position(i)
		}
	}
	g.ids = append(g.ids, id)
	return g.Position(len(g.ids) - 1)
}

// Remove drops id and returns the new placement of every remaining input.
func (g *GridLayout) Remove(id domain.InputID) map[domain.InputID]Placement {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, existing := range g.ids {
		if existing == id {
			g.ids = append(g.ids[:i], g.ids[i+1:]...)
			break
		}
	}
	out := make(map[domain.InputID]Placement, len(g.ids))
	for i, existing := range g.ids {
		out[existing] = g.Position(i)
	}
	return out
}

// Options renders p as input options.
func (p Placement) Options() map[string]interface{} {
	return map[string]interface{}{
		domain.OptX:      p.X,
		domain.OptY:      p.Y,
		domain.OptWidth:  p.W,
		domain.OptHeight: p.H,
		domain.OptZ:      p.Z,
	}
}
