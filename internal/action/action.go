// Package action defines the typed room actions accepted from clients and
// validates their payloads before they reach a room's state machine.
package action

import (
	"bytes"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

type Type string

const (
	TypeJoin          Type = "join"
	TypeLeave         Type = "leave"
	TypeStart         Type = "start"
	TypeDraftPick     Type = "draft_pick"
	TypeDraftComplete Type = "draft_complete"
	TypeCardMove      Type = "card_move"
	TypeCardDraw      Type = "card_draw"
	TypeCardTap       Type = "card_tap"
	TypeShuffle       Type = "library_shuffle"
	TypeRestart       Type = "game_restart"
)

// Zone is where a card lives in the card game.
type Zone string

const (
	ZoneLibrary     Zone = "library"
	ZoneHand        Zone = "hand"
	ZoneBattlefield Zone = "battlefield"
	ZoneGraveyard   Zone = "graveyard"
	ZoneExile       Zone = "exile"
)

const (
	maxDraw     = 60
	maxDeckSize = 250
	maxPoolSize = 2000
	maxNameLen  = 64
)

var (
	ErrUnknownType    = errors.New("unknown action type")
	ErrInvalidPayload = errors.New("invalid action payload")
)

// Action is one queued room action. PlayerID is always the identity bound to
// the originating connection, never a client-supplied value.
type Action struct {
	Type     Type
	PlayerID string
	Conn     uint64
	Data     Payload
}

// Payload is implemented by the payload struct of every known action type.
type Payload interface {
	Type() Type
	validate() error
}

type Join struct {
	Name string   `json:"name"`
	Deck []string `json:"deck"`
}

type Leave struct{}

type Start struct {
	Pool     []string `json:"pool"`
	PackSize int      `json:"packSize"`
	Rounds   int      `json:"rounds"`
	Seed     uint64   `json:"seed"`
}

type DraftPick struct {
	CardID string `json:"cardId"`
}

type DraftComplete struct{}

type CardMove struct {
	CardID string  `json:"cardId"`
	Zone   Zone    `json:"zone"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	// Final marks the end of a drag; the room flushes right away.
	Final bool `json:"final"`
}

type CardDraw struct {
	Count int `json:"count"`
}

type CardTap struct {
	CardID string `json:"cardId"`
	Tapped bool   `json:"tapped"`
}

type Shuffle struct {
	Seed uint64 `json:"seed"`
}

type Restart struct{}

func (Join) Type() Type          { return TypeJoin }
func (Leave) Type() Type         { return TypeLeave }
func (Start) Type() Type         { return TypeStart }
func (DraftPick) Type() Type     { return TypeDraftPick }
func (DraftComplete) Type() Type { return TypeDraftComplete }
func (CardMove) Type() Type      { return TypeCardMove }
func (CardDraw) Type() Type      { return TypeCardDraw }
func (CardTap) Type() Type       { return TypeCardTap }
func (Shuffle) Type() Type       { return TypeShuffle }
func (Restart) Type() Type       { return TypeRestart }

func (p Join) validate() error {
	if len(p.Name) > maxNameLen {
		return errors.Wrapf(ErrInvalidPayload, "name longer than %d", maxNameLen)
	}
	if len(p.Deck) > maxDeckSize {
		return errors.Wrapf(ErrInvalidPayload, "deck larger than %d", maxDeckSize)
	}
	for i, card := range p.Deck {
		if card == "" {
			return errors.Wrapf(ErrInvalidPayload, "deck entry %d is empty", i)
		}
	}
	return nil
}

func (Leave) validate() error { return nil }

func (p Start) validate() error {
	if p.PackSize <= 0 || p.Rounds <= 0 {
		return errors.Wrap(ErrInvalidPayload, "packSize and rounds must be positive")
	}
	if len(p.Pool) == 0 || len(p.Pool) > maxPoolSize {
		return errors.Wrapf(ErrInvalidPayload, "pool size must be within 1..%d", maxPoolSize)
	}
	return nil
}

func (p DraftPick) validate() error {
	if p.CardID == "" {
		return errors.Wrap(ErrInvalidPayload, "missing cardId")
	}
	return nil
}

func (DraftComplete) validate() error { return nil }

func (p CardMove) validate() error {
	if p.CardID == "" {
		return errors.Wrap(ErrInvalidPayload, "missing cardId")
	}
	if !p.Zone.Valid() {
		return errors.Wrapf(ErrInvalidPayload, "unknown zone %q", p.Zone)
	}
	return nil
}

func (p CardDraw) validate() error {
	if p.Count < 1 || p.Count > maxDraw {
		return errors.Wrapf(ErrInvalidPayload, "count must be within 1..%d", maxDraw)
	}
	return nil
}

func (p CardTap) validate() error {
	if p.CardID == "" {
		return errors.Wrap(ErrInvalidPayload, "missing cardId")
	}
	return nil
}

func (Shuffle) validate() error { return nil }
func (Restart) validate() error { return nil }

// Valid reports whether z is a known zone.
func (z Zone) Valid() bool {
	switch z {
	case ZoneLibrary, ZoneHand, ZoneBattlefield, ZoneGraveyard, ZoneExile:
		return true
	}
	return false
}

// Decode parses raw into the payload struct for t and validates it. An empty
// or null raw value decodes to the zero payload.
func Decode(t Type, raw []byte) (Payload, error) {
	switch t {
	case TypeJoin:
		return decode[Join](raw)
	case TypeLeave:
		return decode[Leave](raw)
	case TypeStart:
		return decode[Start](raw)
	case TypeDraftPick:
		return decode[DraftPick](raw)
	case TypeDraftComplete:
		return decode[DraftComplete](raw)
	case TypeCardMove:
		return decode[CardMove](raw)
	case TypeCardDraw:
		return decode[CardDraw](raw)
	case TypeCardTap:
		return decode[CardTap](raw)
	case TypeShuffle:
		return decode[Shuffle](raw)
	case TypeRestart:
		return decode[Restart](raw)
	default:
		return nil, errors.Wrapf(ErrUnknownType, "%q", t)
	}
}

func decode[P Payload](raw []byte) (Payload, error) {
	var p P
	raw = bytes.TrimSpace(raw)
	if len(raw) != 0 && !bytes.Equal(raw, []byte("null")) {
		if err := sonic.ConfigFastest.Unmarshal(raw, &p); err != nil {
			return nil, errors.Wrapf(ErrInvalidPayload, "decode %s: %v", p.Type(), err)
		}
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Batchable reports whether actions of type t may be coalesced. Only drag
// moves are; everything else is applied as soon as it arrives.
func Batchable(t Type) bool {
	return t == TypeCardMove
}

// EndsStream reports whether a ends a stream of batchable actions, such as a
// released pointer at the end of a drag.
func EndsStream(a Action) bool {
	if !Batchable(a.Type) {
		return true
	}
	move, ok := a.Data.(CardMove)
	return ok && move.Final
}
