package game

import (
	"maps"
	"slices"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"

	"github.com/Karmagate/RoomSync/internal/action"
	"github.com/Karmagate/RoomSync/internal/machine"
)

// DraftPhase is the lifecycle stage of a draft.
type DraftPhase string

const (
	DraftLobby    DraftPhase = "lobby"
	DraftPicking  DraftPhase = "drafting"
	DraftComplete DraftPhase = "complete"
)

const maxDraftSeats = 8

// Draft is the authoritative state of a booster draft. Every seat holds one
// pack at a time, picks one card from it, and passes it on once every seat
// has picked.
type Draft struct {
	ID       string              `json:"id"`
	Phase    DraftPhase          `json:"phase"`
	Host     string              `json:"host"`
	Seats    []string            `json:"seats"`
	Names    map[string]string   `json:"names"`
	PackSize int                 `json:"packSize"`
	Rounds   int                 `json:"rounds"`
	Round    int                 `json:"round"`
	Pool     []string            `json:"pool"`
	Packs    map[string][]string `json:"packs"`
	Picks    map[string][]string `json:"picks"`
	Picked   map[string]bool     `json:"picked"`
}

type DraftDomain struct{}

var _ machine.Domain[*Draft] = DraftDomain{}

func (DraftDomain) Kind() string { return KindDraft }

func (DraftDomain) Starts(t action.Type) bool {
	return t == action.TypeJoin || t == action.TypeStart
}

func (DraftDomain) Init(a action.Action) (*Draft, error) {
	d := &Draft{
		ID:     uuid.NewString(),
		Phase:  DraftLobby,
		Host:   a.PlayerID,
		Names:  make(map[string]string),
		Packs:  make(map[string][]string),
		Picks:  make(map[string][]string),
		Picked: make(map[string]bool),
	}

	switch p := a.Data.(type) {
	case action.Join:
		d.seat(a.PlayerID, p.Name)
	case action.Start:
		d.seat(a.PlayerID, "")
		if err := d.start(a.PlayerID, p); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(machine.ErrNotInitialized, "%s cannot open a draft", a.Type)
	}
	return d, nil
}

func (DraftDomain) Apply(d *Draft, a action.Action) (bool, error) {
	switch p := a.Data.(type) {
	case action.Join:
		return false, d.join(a.PlayerID, p)
	case action.Leave:
		return false, d.leave(a.PlayerID)
	case action.Start:
		return false, d.start(a.PlayerID, p)
	case action.DraftPick:
		return d.pick(a.PlayerID, p)
	case action.DraftComplete:
		if a.PlayerID != d.Host {
			return false, errors.Wrapf(machine.ErrUnauthorized, "%s is not the host", a.PlayerID)
		}
		d.Phase = DraftComplete
		return true, nil
	default:
		return false, errors.Wrapf(machine.ErrUnknownAction, "draft does not handle %s", a.Type)
	}
}

func (DraftDomain) Clone(d *Draft) *Draft {
	c := *d
	c.Seats = slices.Clone(d.Seats)
	c.Names = maps.Clone(d.Names)
	c.Pool = slices.Clone(d.Pool)
	c.Packs = cloneLists(d.Packs)
	c.Picks = cloneLists(d.Picks)
	c.Picked = maps.Clone(d.Picked)
	return &c
}

func (d *Draft) seat(playerID, name string) {
	d.Seats = append(d.Seats, playerID)
	if name != "" {
		d.Names[playerID] = name
	}
}

func (d *Draft) join(playerID string, p action.Join) error {
	if slices.Contains(d.Seats, playerID) {
		if p.Name != "" {
			d.Names[playerID] = p.Name
		}
		return nil
	}
	if d.Phase != DraftLobby {
		return errors.Wrap(machine.ErrInvalidAction, "draft already started")
	}
	if len(d.Seats) >= maxDraftSeats {
		return errors.Wrapf(machine.ErrInvalidAction, "draft is full (%d seats)", maxDraftSeats)
	}
	d.seat(playerID, p.Name)
	if !slices.Contains(d.Seats, d.Host) {
		d.Host = playerID
	}
	return nil
}

func (d *Draft) leave(playerID string) error {
	if !slices.Contains(d.Seats, playerID) {
		return errors.Wrapf(machine.ErrInvalidAction, "%s is not seated", playerID)
	}
	if d.Phase != DraftLobby {
		return errors.Wrap(machine.ErrInvalidAction, "cannot leave a running draft")
	}
	d.Seats = removeValue(d.Seats, playerID)
	delete(d.Names, playerID)
	if d.Host == playerID {
		d.Host = ""
		if len(d.Seats) > 0 {
			d.Host = d.Seats[0]
		}
	}
	return nil
}

func (d *Draft) start(playerID string, p action.Start) error {
	if playerID != d.Host {
		return errors.Wrapf(machine.ErrUnauthorized, "%s is not the host", playerID)
	}
	if d.Phase != DraftLobby {
		return errors.Wrap(machine.ErrInvalidAction, "draft already started")
	}
	need := len(d.Seats) * p.PackSize * p.Rounds
	if len(p.Pool) < need {
		return errors.Wrapf(machine.ErrInvalidAction, "pool has %d cards, need %d", len(p.Pool), need)
	}

	d.Pool = slices.Clone(p.Pool)
	shuffle(newRand(p.Seed), d.Pool)
	d.PackSize = p.PackSize
	d.Rounds = p.Rounds
	d.Round = 1
	d.Phase = DraftPicking
	for _, seat := range d.Seats {
		d.Picks[seat] = nil
	}
	d.deal()
	return nil
}

func (d *Draft) deal() {
	for _, seat := range d.Seats {
		d.Packs[seat] = slices.Clone(d.Pool[:d.PackSize])
		d.Pool = d.Pool[d.PackSize:]
		d.Picked[seat] = false
	}
}

func (d *Draft) pick(playerID string, p action.DraftPick) (bool, error) {
	if d.Phase != DraftPicking {
		return false, errors.Wrapf(machine.ErrInvalidAction, "draft is in %s phase", d.Phase)
	}
	if !slices.Contains(d.Seats, playerID) {
		return false, errors.Wrapf(machine.ErrUnauthorized, "%s is not seated", playerID)
	}
	if d.Picked[playerID] {
		return false, errors.Wrap(machine.ErrInvalidAction, "already picked this pass")
	}
	pack := d.Packs[playerID]
	idx := slices.Index(pack, p.CardID)
	if idx < 0 {
		return false, errors.Wrapf(machine.ErrInvalidAction, "card %s is not in the held pack", p.CardID)
	}

	d.Packs[playerID] = slices.Delete(pack, idx, idx+1)
	d.Picks[playerID] = append(d.Picks[playerID], p.CardID)
	d.Picked[playerID] = true

	for _, seat := range d.Seats {
		if !d.Picked[seat] {
			return false, nil
		}
	}
	return d.pass(), nil
}

// pass hands every pack to the neighbouring seat, left on odd rounds and
// right on even ones, or opens the next round once packs are empty. It
// reports whether the draft is over.
func (d *Draft) pass() bool {
	for _, seat := range d.Seats {
		d.Picked[seat] = false
	}

	if len(d.Packs[d.Seats[0]]) == 0 {
		if d.Round >= d.Rounds {
			d.Phase = DraftComplete
			return true
		}
		d.Round++
		d.deal()
		return false
	}

	n := len(d.Seats)
	dir := 1
	if d.Round%2 == 0 {
		dir = n - 1
	}
	next := make(map[string][]string, n)
	for i, seat := range d.Seats {
		next[d.Seats[(i+dir)%n]] = d.Packs[seat]
	}
	d.Packs = next
	return false
}
