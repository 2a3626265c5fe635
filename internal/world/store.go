package world

import (
	"sync"

	"github.com/joeycumines/plugin-runtime/internal/stream"
)

// Store is the single source of truth for the latest snapshot and the raw
// selection ids. Both are replaced, never mutated.
//
// Subscribers are notified synchronously from Publish and Select, and must
// not call back into the Store.
type Store struct {
	// mu serializes writers so the version check and the replacement are
	// atomic.
	mu           sync.Mutex
	snapshots    *stream.Subject[*Snapshot]
	selections   *stream.Subject[SelectionIDs]
	defaultFirst bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDefaultSelectFirst makes the derived selection fall back to the
// player's first unit when no unit id is selected.
func WithDefaultSelectFirst(enabled bool) StoreOption {
	return func(s *Store) {
		s.defaultFirst = enabled
	}
}

// NewStore creates a Store with no snapshot and an empty selection.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		snapshots:  stream.NewSubject[*Snapshot](),
		selections: stream.NewSubjectWith(SelectionIDs{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish replaces the current snapshot. Nil snapshots are ignored, as are
// versioned snapshots that are not newer than the current one. It reports
// whether the snapshot was accepted.
func (s *Store) Publish(snap *Snapshot) bool {
	if snap == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snapshots.Value(); ok && cur != nil &&
		snap.Version != 0 && cur.Version != 0 && snap.Version <= cur.Version {
		return false
	}
	s.snapshots.Next(snap)
	return true
}

// Select replaces the raw selection ids. Selecting the same ids again is a
// no-op.
func (s *Store) Select(ids SelectionIDs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.selections.Value(); ok && cur.Equal(ids) {
		return
	}
	s.selections.Next(ids)
}

// Snapshot returns the latest snapshot, or nil before the first Publish.
func (s *Store) Snapshot() *Snapshot {
	v, _ := s.snapshots.Value()
	return v
}

// SelectionIDs returns the current raw selection.
func (s *Store) SelectionIDs() SelectionIDs {
	v, _ := s.selections.Value()
	return v
}

// Snapshots observes published snapshots.
func (s *Store) Snapshots() stream.Source[*Snapshot] {
	return s.snapshots
}

// Selections observes raw selection changes.
func (s *Store) Selections() stream.Source[SelectionIDs] {
	return s.selections
}

// Players observes the session's own player, re-evaluated on every snapshot
// or selection change. Emits nil while the player is unknown.
func (s *Store) Players() stream.Source[*Player] {
	return stream.Distinct(
		stream.CombineLatest2(s.snapshots, s.selections, func(snap *Snapshot, ids SelectionIDs) *Player {
			return snap.Player(ids.PlayerID)
		}),
		func(a, b *Player) bool { return a == b },
	)
}

// SelectedUnitIDs observes the selected mobile unit id.
func (s *Store) SelectedUnitIDs() stream.Source[string] {
	return stream.Distinct(
		stream.Map[SelectionIDs, string](s.selections, func(ids SelectionIDs) string { return ids.UnitID }),
		func(a, b string) bool { return a == b },
	)
}

// SelectedUnit observes the currently selected mobile unit.
func (s *Store) SelectedUnit() stream.Source[*Unit] {
	return SelectedUnit(s.Players(), s.SelectedUnitIDs(), s.defaultFirst)
}

// Views observes the per-pass plugin input. It emits once a snapshot exists
// and again whenever the snapshot or the selection ids change.
func (s *Store) Views() stream.Source[View] {
	return stream.CombineLatest2(s.snapshots, s.selections, s.view)
}

// View returns the current view; false before the first snapshot.
func (s *Store) View() (View, bool) {
	snap := s.Snapshot()
	if snap == nil {
		return View{}, false
	}
	return s.view(snap, s.SelectionIDs()), true
}

func (s *Store) view(snap *Snapshot, ids SelectionIDs) View {
	return View{
		Snapshot:  snap,
		IDs:       ids,
		Selection: Resolve(snap, ids, s.defaultFirst),
	}
}

// SelectedUnit derives the selected unit from the player and selected id
// sources. It emits nil whenever the player is absent, otherwise the unit in
// the player's units matching the latest id (or the first unit, when
// defaultFirst is set and no id is selected). A new player value discards
// the derivation tied to the previous one.
func SelectedUnit(players stream.Source[*Player], ids stream.Source[string], defaultFirst bool) stream.Source[*Unit] {
	return stream.SwitchMap(players, func(p *Player) stream.Source[*Unit] {
		if p == nil {
			return stream.Just[*Unit](nil)
		}
		return stream.Map(ids, func(id string) *Unit {
			return pickUnit(p, id, defaultFirst)
		})
	})
}

// Resolve projects raw selection ids onto a snapshot. Ids that do not resolve
// are dropped; the result never references entities absent from snap.
func Resolve(snap *Snapshot, ids SelectionIDs, defaultFirst bool) Selection {
	sel := Selection{Tiles: make([]Tile, 0, len(ids.TileIDs))}
	sel.Player = snap.Player(ids.PlayerID)
	for _, id := range ids.TileIDs {
		if t := snap.Tile(id); t != nil {
			sel.Tiles = append(sel.Tiles, *t)
		}
	}
	if sel.Player != nil {
		sel.MobileUnit = pickUnit(sel.Player, ids.UnitID, defaultFirst)
	}
	return sel
}

func pickUnit(p *Player, id string, defaultFirst bool) *Unit {
	if p == nil {
		return nil
	}
	if id == "" {
		if defaultFirst && len(p.Units) > 0 {
			return &p.Units[0]
		}
		return nil
	}
	return p.Unit(id)
}
