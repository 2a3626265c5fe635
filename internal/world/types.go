// Package world holds the host's view of the shared game world: immutable
// snapshots delivered by the upstream session, the raw selection ids chosen
// by the local player, and the derived selection handed to plugins.
package world

// Snapshot is an immutable point-in-time view of shared game state. It is
// replaced wholesale on every upstream update and must never be mutated once
// published to a Store.
type Snapshot struct {
	// Version orders snapshots; zero means the upstream did not supply one.
	Version   uint64     `json:"version"`
	Tiles     []Tile     `json:"tiles"`
	Buildings []Building `json:"buildings"`
	Bags      []Bag      `json:"bags"`
	Players   []Player   `json:"players"`
	Units     []Unit     `json:"units"`
}

// Tile is a single cell of the map.
type Tile struct {
	ID       string    `json:"id"`
	Coords   [3]int    `json:"coords"`
	Biome    string    `json:"biome,omitempty"`
	Building *Building `json:"building,omitempty"`
}

// Building is a structure placed on a tile.
type Building struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Owner    string `json:"owner,omitempty"`
	Location string `json:"location,omitempty"`
}

// Item is a stack of a single item kind within a bag.
type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Quantity int    `json:"quantity"`
}

// Bag is an inventory container owned by a unit or building.
type Bag struct {
	ID    string `json:"id"`
	Owner string `json:"owner,omitempty"`
	Items []Item `json:"items"`
}

// Unit is a mobile unit.
type Unit struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Owner    string   `json:"owner,omitempty"`
	Location [3]int   `json:"location"`
	Bags     []string `json:"bags,omitempty"`
}

// Player is a participant in the world together with the units they own.
type Player struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
	Units   []Unit `json:"units"`
}

// SelectionIDs are the raw, authoritative selection identifiers chosen by
// the local player. PlayerID identifies the session's own player.
type SelectionIDs struct {
	PlayerID string   `json:"player,omitempty"`
	TileIDs  []string `json:"tiles,omitempty"`
	UnitID   string   `json:"mobileUnit,omitempty"`
}

// Equal reports whether two id sets select the same things, in the same
// order.
func (s SelectionIDs) Equal(o SelectionIDs) bool {
	if s.PlayerID != o.PlayerID || s.UnitID != o.UnitID || len(s.TileIDs) != len(o.TileIDs) {
		return false
	}
	for i := range s.TileIDs {
		if s.TileIDs[i] != o.TileIDs[i] {
			return false
		}
	}
	return true
}

// Selection is the derived selection state. It is recomputed whenever the
// snapshot or the raw ids change and is never authoritative.
type Selection struct {
	Player     *Player `json:"player,omitempty"`
	Tiles      []Tile  `json:"tiles"`
	MobileUnit *Unit   `json:"mobileUnit,omitempty"`
}

// View is the per-pass input handed to every plugin. All plugins evaluated
// for the same View observe the identical Snapshot.
type View struct {
	Snapshot  *Snapshot
	IDs       SelectionIDs
	Selection Selection
}

// Document is the JSON shape of a View as seen from inside a plugin.
type Document struct {
	Selected Selection `json:"selected"`
	World    *Snapshot `json:"world"`
	Player   *Player   `json:"player,omitempty"`
}

// Document returns the plugin-facing representation of the view.
func (v View) Document() Document {
	world := v.Snapshot
	if world == nil {
		world = &Snapshot{}
	}
	return Document{
		Selected: v.Selection,
		World:    world,
		Player:   v.Selection.Player,
	}
}

// Player looks up a player by id.
func (s *Snapshot) Player(id string) *Player {
	if s == nil || id == "" {
		return nil
	}
	for i := range s.Players {
		if s.Players[i].ID == id {
			return &s.Players[i]
		}
	}
	return nil
}

// Tile looks up a tile by id.
func (s *Snapshot) Tile(id string) *Tile {
	if s == nil || id == "" {
		return nil
	}
	for i := range s.Tiles {
		if s.Tiles[i].ID == id {
			return &s.Tiles[i]
		}
	}
	return nil
}

// Unit looks up a unit owned by the player.
func (p *Player) Unit(id string) *Unit {
	if p == nil || id == "" {
		return nil
	}
	for i := range p.Units {
		if p.Units[i].ID == id {
			return &p.Units[i]
		}
	}
	return nil
}
