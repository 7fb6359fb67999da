package game

import (
	"maps"
	"slices"

	"github.com/yanun0323/errors"

	"github.com/Karmagate/RoomSync/internal/action"
	"github.com/Karmagate/RoomSync/internal/machine"
)

// Presence is the state of a plain presence room: who has joined.
type Presence struct {
	Players []string          `json:"players"`
	Names   map[string]string `json:"names"`
}

type PresenceDomain struct{}

var _ machine.Domain[*Presence] = PresenceDomain{}

func (PresenceDomain) Kind() string { return KindPresence }

func (PresenceDomain) Starts(t action.Type) bool { return t == action.TypeJoin }

func (PresenceDomain) Init(a action.Action) (*Presence, error) {
	p := &Presence{Names: make(map[string]string)}
	if _, err := (PresenceDomain{}).Apply(p, a); err != nil {
		return nil, err
	}
	return p, nil
}

func (PresenceDomain) Apply(p *Presence, a action.Action) (bool, error) {
	switch data := a.Data.(type) {
	case action.Join:
		if !slices.Contains(p.Players, a.PlayerID) {
			p.Players = append(p.Players, a.PlayerID)
		}
		if data.Name != "" {
			p.Names[a.PlayerID] = data.Name
		}
		return false, nil
	case action.Leave:
		if !slices.Contains(p.Players, a.PlayerID) {
			return false, errors.Wrapf(machine.ErrInvalidAction, "%s is not present", a.PlayerID)
		}
		p.Players = removeValue(p.Players, a.PlayerID)
		delete(p.Names, a.PlayerID)
		return false, nil
	default:
		return false, errors.Wrapf(machine.ErrUnknownAction, "presence does not handle %s", a.Type)
	}
}

func (PresenceDomain) Clone(p *Presence) *Presence {
	return &Presence{
		Players: slices.Clone(p.Players),
		Names:   maps.Clone(p.Names),
	}
}
