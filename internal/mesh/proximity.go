package mesh

import (
	"context"
	"slices"
	"time"

	"github.com/LemmyAI/presence/internal/grid"
	"github.com/LemmyAI/presence/internal/protocol"
)

// Proximity is the outcome of one evaluation.
type Proximity struct {
	// Surfaced is the closest nearby camera-enabled peer, or empty.
	Surfaced protocol.ID
	// Audible lists, sorted, the peers whose audio is unmuted.
	Audible []protocol.ID
}

// Evaluate recomputes which remote video is surfaced and which remote audio
// is audible from the current grid positions. It never opens or closes links.
// Nothing is surfaced while the local camera is off or the local position is
// not yet known.
func (m *Mesh) Evaluate() Proximity {
	var fx effects
	m.mu.Lock()

	here, placed := m.deps.Positions.LocalCell()
	if !m.cameraOn || !placed {
		m.silenceLocked(&fx)
		m.mu.Unlock()
		fx.run()
		return Proximity{}
	}
	var (
		best     protocol.ID
		bestDist int
		result   Proximity
	)
	audible := make(map[protocol.ID]bool)
	for id, p := range m.peers {
		if !p.camera {
			continue
		}
		cell, ok := m.deps.Positions.Cell(id)
		if !ok {
			continue
		}
		d := grid.Chebyshev(here, cell)
		if d > m.config.Threshold {
			continue
		}
		if best == "" || d < bestDist || (d == bestDist && id.Less(best)) {
			best, bestDist = id, d
		}
		if p.mic && m.micOn {
			audible[id] = true
			result.Audible = append(result.Audible, id)
		}
	}
	m.audible = audible
	slices.Sort(result.Audible)
	result.Surfaced = best

	for id, l := range m.links {
		if l.sink == nil {
			continue
		}
		muted := !audible[id]
		if muted == l.muted {
			continue
		}
		l.muted = muted
		sink := l.sink
		fx.add(func() { sink.SetMuted(muted) })
	}

	var video Track
	if l, ok := m.links[best]; ok {
		video = l.video
	}
	if best != m.shown || video != m.shownVid {
		m.shown, m.shownVid = best, video
		if best == "" {
			fx.add(m.deps.Presenter.Hide)
		} else {
			fx.add(func() { m.deps.Presenter.Show(best, video) })
		}
	}

	m.mu.Unlock()
	fx.run()
	return result
}

// silenceLocked mutes every sink and hides the surfaced video.
func (m *Mesh) silenceLocked(fx *effects) {
	clear(m.audible)
	for _, l := range m.links {
		if l.sink == nil || l.muted {
			continue
		}
		l.muted = true
		sink := l.sink
		fx.add(func() { sink.SetMuted(true) })
	}
	m.hideLocked(fx)
}

// hideLocked clears the surfaced video, if any.
func (m *Mesh) hideLocked(fx *effects) {
	if m.shown == "" {
		return
	}
	m.shown, m.shownVid = "", nil
	fx.add(m.deps.Presenter.Hide)
}

// Run evaluates proximity every interval until ctx is done.
func (m *Mesh) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate()
		}
	}
}
