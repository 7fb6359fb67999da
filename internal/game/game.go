// Package game implements the room kinds: booster drafts, card game tables
// and plain presence rooms.
package game

import (
	"math/rand/v2"
	"slices"

	"github.com/yanun0323/errors"

	"github.com/Karmagate/RoomSync/internal/machine"
)

const (
	KindDraft    = "draft"
	KindGame     = "game"
	KindPresence = "presence"
)

var ErrUnknownKind = errors.New("unknown room kind")

// ValidKind reports whether kind names a room kind.
func ValidKind(kind string) bool {
	switch kind {
	case KindDraft, KindGame, KindPresence:
		return true
	}
	return false
}

// NewEngine returns a fresh state machine for a room of the given kind.
func NewEngine(kind string) (machine.Engine, error) {
	switch kind {
	case KindDraft:
		return machine.New[*Draft](DraftDomain{}), nil
	case KindGame:
		return machine.New[*Table](TableDomain{}), nil
	case KindPresence:
		return machine.New[*Presence](PresenceDomain{}), nil
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "%q", kind)
	}
}

// newRand returns a deterministic source for a non-zero seed.
func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func shuffle(r *rand.Rand, cards []string) {
	r.Shuffle(len(cards), func(i, j int) {
		cards[i], cards[j] = cards[j], cards[i]
	})
}

func removeValue(list []string, v string) []string {
	if i := slices.Index(list, v); i >= 0 {
		return slices.Delete(slices.Clone(list), i, i+1)
	}
	return list
}

func cloneLists(m map[string][]string) map[string][]string {
	if m == nil {
		return nil
	}
	c := make(map[string][]string, len(m))
	for k, v := range m {
		c[k] = slices.Clone(v)
	}
	return c
}
