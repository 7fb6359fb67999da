package game

import (
	"maps"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"

	"github.com/Karmagate/RoomSync/internal/action"
	"github.com/Karmagate/RoomSync/internal/machine"
)

const maxTablePlayers = 8

// Card is one physical card on the table.
type Card struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Owner  string      `json:"owner"`
	Zone   action.Zone `json:"zone"`
	X      float64     `json:"x"`
	Y      float64     `json:"y"`
	Tapped bool        `json:"tapped"`
}

// Table is the authoritative state of a card game. Libraries keep their
// order top first; every other zone is positional.
type Table struct {
	ID        string              `json:"id"`
	Players   []string            `json:"players"`
	Names     map[string]string   `json:"names"`
	Cards     map[string]Card     `json:"cards"`
	Libraries map[string][]string `json:"libraries"`
}

type TableDomain struct{}

var _ machine.Domain[*Table] = TableDomain{}

func (TableDomain) Kind() string { return KindGame }

func (TableDomain) Starts(t action.Type) bool { return t == action.TypeJoin }

func (TableDomain) Init(a action.Action) (*Table, error) {
	join, ok := a.Data.(action.Join)
	if !ok {
		return nil, errors.Wrapf(machine.ErrNotInitialized, "%s cannot open a game", a.Type)
	}
	t := &Table{
		ID:        uuid.NewString(),
		Names:     make(map[string]string),
		Cards:     make(map[string]Card),
		Libraries: make(map[string][]string),
	}
	if err := t.join(a.PlayerID, join); err != nil {
		return nil, err
	}
	return t, nil
}

func (TableDomain) Apply(t *Table, a action.Action) (bool, error) {
	if a.Type != action.TypeJoin && !slices.Contains(t.Players, a.PlayerID) {
		return false, errors.Wrapf(machine.ErrUnauthorized, "%s is not seated", a.PlayerID)
	}

	switch p := a.Data.(type) {
	case action.Join:
		return false, t.join(a.PlayerID, p)
	case action.Leave:
		t.leave(a.PlayerID)
		return false, nil
	case action.CardMove:
		return false, t.move(a.PlayerID, p)
	case action.CardDraw:
		return false, t.draw(a.PlayerID, p.Count)
	case action.CardTap:
		return false, t.tap(a.PlayerID, p)
	case action.Shuffle:
		shuffle(newRand(p.Seed), t.Libraries[a.PlayerID])
		return false, nil
	case action.Restart:
		return true, nil
	default:
		return false, errors.Wrapf(machine.ErrUnknownAction, "game does not handle %s", a.Type)
	}
}

func (TableDomain) Clone(t *Table) *Table {
	c := *t
	c.Players = slices.Clone(t.Players)
	c.Names = maps.Clone(t.Names)
	c.Cards = maps.Clone(t.Cards)
	c.Libraries = cloneLists(t.Libraries)
	return &c
}

func (t *Table) join(playerID string, p action.Join) error {
	if slices.Contains(t.Players, playerID) {
		return errors.Wrapf(machine.ErrInvalidAction, "%s is already seated", playerID)
	}
	if len(t.Players) >= maxTablePlayers {
		return errors.Wrapf(machine.ErrInvalidAction, "table is full (%d players)", maxTablePlayers)
	}

	t.Players = append(t.Players, playerID)
	if p.Name != "" {
		t.Names[playerID] = p.Name
	}
	library := make([]string, 0, len(p.Deck))
	for i, name := range p.Deck {
		id := playerID + "/" + strconv.Itoa(i)
		t.Cards[id] = Card{ID: id, Name: name, Owner: playerID, Zone: action.ZoneLibrary}
		library = append(library, id)
	}
	t.Libraries[playerID] = library
	return nil
}

func (t *Table) leave(playerID string) {
	t.Players = removeValue(t.Players, playerID)
	delete(t.Names, playerID)
	delete(t.Libraries, playerID)
	for id, card := range t.Cards {
		if card.Owner == playerID {
			delete(t.Cards, id)
		}
	}
}

// owned returns the card if it exists and belongs to playerID.
func (t *Table) owned(playerID, cardID string) (Card, error) {
	card, ok := t.Cards[cardID]
	if !ok {
		return Card{}, errors.Wrapf(machine.ErrInvalidAction, "unknown card %s", cardID)
	}
	if card.Owner != playerID {
		return Card{}, errors.Wrapf(machine.ErrUnauthorized, "card %s belongs to %s, not %s", cardID, card.Owner, playerID)
	}
	return card, nil
}

func (t *Table) move(playerID string, p action.CardMove) error {
	card, err := t.owned(playerID, p.CardID)
	if err != nil {
		return err
	}

	if card.Zone == action.ZoneLibrary {
		t.Libraries[playerID] = removeValue(t.Libraries[playerID], card.ID)
	}
	if p.Zone == action.ZoneLibrary {
		// Cards moved into the library go on top.
		t.Libraries[playerID] = append([]string{card.ID}, t.Libraries[playerID]...)
	}
	if p.Zone != action.ZoneBattlefield {
		card.Tapped = false
	}
	card.Zone = p.Zone
	card.X = p.X
	card.Y = p.Y
	t.Cards[card.ID] = card
	return nil
}

func (t *Table) draw(playerID string, count int) error {
	library := t.Libraries[playerID]
	if count > len(library) {
		return errors.Wrapf(machine.ErrInvalidAction, "cannot draw %d from a library of %d", count, len(library))
	}
	for _, id := range library[:count] {
		card := t.Cards[id]
		card.Zone = action.ZoneHand
		t.Cards[id] = card
	}
	t.Libraries[playerID] = slices.Clone(library[count:])
	return nil
}

func (t *Table) tap(playerID string, p action.CardTap) error {
	card, err := t.owned(playerID, p.CardID)
	if err != nil {
		return err
	}
	if card.Zone != action.ZoneBattlefield {
		return errors.Wrapf(machine.ErrInvalidAction, "card %s is not on the battlefield", card.ID)
	}
	card.Tapped = p.Tapped
	t.Cards[card.ID] = card
	return nil
}
