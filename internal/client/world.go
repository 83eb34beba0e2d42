package client

import (
	"sync"

	"github.com/LemmyAI/presence/internal/grid"
	"github.com/LemmyAI/presence/internal/protocol"
)

// World is the local mirror of the roster. It is only ever updated from
// server events, except for the local position which MoveLocal advances
// optimistically.
type World struct {
	bounds   grid.Bounds
	walkable func(grid.Cell) bool

	mu     sync.RWMutex
	local  protocol.ID
	joined bool
	order  []protocol.ID
	byID   map[protocol.ID]*protocol.Participant
}

// NewWorld creates an empty mirror. A nil walkable treats every in-bounds
// cell as open.
func NewWorld(bounds grid.Bounds, walkable func(grid.Cell) bool) *World {
	if walkable == nil {
		walkable = func(grid.Cell) bool { return true }
	}
	return &World{
		bounds:   bounds,
		walkable: walkable,
		byID:     make(map[protocol.ID]*protocol.Participant),
	}
}

// ApplySnapshot replaces the mirror with the reply to our join.
func (w *World) ApplySnapshot(s protocol.RosterSnapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.local = s.You.ID
	w.joined = true
	w.order = w.order[:0]
	clear(w.byID)
	for _, p := range s.AllParticipants {
		w.addLocked(p)
	}
	w.addLocked(s.You)
}

// ApplySync merges a roster-sync into the mirror. Missing records are added
// and media flags are only ever raised; lowering waits for the explicit
// off events. It returns the records that were added.
func (w *World) ApplySync(s protocol.RosterSync) []protocol.Participant {
	w.mu.Lock()
	defer w.mu.Unlock()

	var added []protocol.Participant
	for _, p := range s.AllParticipants {
		cur, ok := w.byID[p.ID]
		if !ok {
			w.addLocked(p)
			added = append(added, p)
			continue
		}
		cur.CameraOn = cur.CameraOn || p.CameraOn
		cur.MicOn = cur.MicOn || p.MicOn
	}
	return added
}

// Joined records a newcomer. A record for a known identity is replaced.
func (w *World) Joined(p protocol.Participant) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addLocked(p)
}

// Left removes a record.
func (w *World) Left(id protocol.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.byID[id]; !ok {
		return
	}
	delete(w.byID, id)
	for i, o := range w.order {
		if o == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

// Moved applies a position delta. Unknown identities are ignored.
func (w *World) Moved(m protocol.ParticipantMoved) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.byID[m.Identity]; ok {
		p.X, p.Y = m.X, m.Y
	}
}

// SetCamera updates a camera flag. Unknown identities are ignored.
func (w *World) SetCamera(id protocol.ID, on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.byID[id]; ok {
		p.CameraOn = on
	}
}

// SetMic updates a microphone flag. Unknown identities are ignored.
func (w *World) SetMic(id protocol.ID, on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.byID[id]; ok {
		p.MicOn = on
	}
}

// MoveLocal steps the local participant by (dx, dy) and returns the new
// cell. Other participants never block a step.
func (w *World) MoveLocal(dx, dy int) (grid.Cell, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	me, ok := w.byID[w.local]
	if !w.joined || !ok {
		return grid.Cell{}, ErrNotJoined
	}
	next := grid.Cell{X: me.X + dx, Y: me.Y + dy}
	if !w.bounds.Contains(next) || !w.walkable(next) {
		return grid.Cell{X: me.X, Y: me.Y}, ErrBlocked
	}
	me.X, me.Y = next.X, next.Y
	return next, nil
}

// Local returns the local record.
func (w *World) Local() (protocol.Participant, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.joined {
		return protocol.Participant{}, false
	}
	p, ok := w.byID[w.local]
	if !ok {
		return protocol.Participant{}, false
	}
	return *p, true
}

// LocalCell returns the local position. It reports false until the roster
// snapshot has placed the local participant.
func (w *World) LocalCell() (grid.Cell, bool) {
	p, ok := w.Local()
	return grid.Cell{X: p.X, Y: p.Y}, ok
}

// Cell returns the mirrored position of id.
func (w *World) Cell(id protocol.ID) (grid.Cell, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.byID[id]
	if !ok {
		return grid.Cell{}, false
	}
	return grid.Cell{X: p.X, Y: p.Y}, true
}

// Participant returns a copy of one record.
func (w *World) Participant(id protocol.ID) (protocol.Participant, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.byID[id]
	if !ok {
		return protocol.Participant{}, false
	}
	return *p, true
}

// Participants returns copies of every record in arrival order.
func (w *World) Participants() []protocol.Participant {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]protocol.Participant, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, *w.byID[id])
	}
	return out
}

func (w *World) addLocked(p protocol.Participant) {
	if _, ok := w.byID[p.ID]; !ok {
		w.order = append(w.order, p.ID)
	}
	rec := p
	w.byID[p.ID] = &rec
}
