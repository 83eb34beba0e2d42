package presence

import (
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/LemmyAI/presence/internal/protocol"
)

const (
	defaultName      = "Anonymous"
	defaultRole      = "Team Member"
	defaultTenure    = 1
	defaultHairStyle = "short"
)

var (
	skinPalette = []uint32{0xf5c6a0, 0xf0b88a, 0xf5d0b0, 0xdeb887, 0xc68c53, 0xe0a878, 0xf0c8a0, 0xd2a06a}
	hairPalette = []uint32{0x3b2417, 0x8b4513, 0x2c1a0e, 0x1a1a1a, 0xc84040, 0x4a3728, 0x5c3a1e, 0x222222}

	shirtPalette = []uint32{
		0x1a1a1a, 0xe056a0, 0x50c878, 0xf5a623, 0x6a5acd,
		0x20b2aa, 0x808080, 0xdc143c, 0x4488cc, 0xcc6633,
		0x33aa66, 0xdd4466, 0x5577cc, 0xaa55cc, 0x44aaaa,
	}

	// Named shirt styles have a fixed colour.
	shirtStyles = map[string]uint32{
		"blue-lines": 0x4488cc,
		"white-v":    0xffffff,
		"pink":       0xff69b4,
		"black-logo": 0x1a1a1a,
	}
)

func pick(rng *rand.Rand, palette []uint32) uint32 {
	return palette[rng.IntN(len(palette))]
}

// newAppearance fills every appearance field, taking random palette entries
// for anything the request leaves unset or unparsable.
func newAppearance(rng *rand.Rand, req protocol.AppearanceRequest) protocol.Appearance {
	a := protocol.Appearance{
		Skin:       pick(rng, skinPalette),
		ShirtStyle: req.ShirtStyle,
		HairStyle:  req.HairStyle,
	}

	if c, ok := shirtStyles[req.ShirtStyle]; ok {
		a.Shirt = c
	} else {
		a.Shirt = pick(rng, shirtPalette)
	}

	if c, ok := parseColor(req.HairColor); ok {
		a.Hair = c
	} else {
		a.Hair = pick(rng, hairPalette)
	}

	if a.HairStyle == "" {
		a.HairStyle = defaultHairStyle
	}
	return a
}

// parseColor accepts "8b4513", "#8b4513" or "0x8b4513".
func parseColor(s string) (uint32, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "#")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || v > 0xffffff {
		return 0, false
	}
	return uint32(v), true
}

// newParticipant builds a record from a join request with every optional
// field defaulted. Camera and mic start off.
func newParticipant(rng *rand.Rand, id protocol.ID, req protocol.JoinRequest) protocol.Participant {
	p := protocol.Participant{
		ID:         id,
		Name:       strings.TrimSpace(req.Name),
		Role:       strings.TrimSpace(req.Role),
		Tenure:     int(req.Tenure),
		Appearance: newAppearance(rng, req.Appearance),
	}
	if p.Name == "" {
		p.Name = defaultName
	}
	if p.Role == "" {
		p.Role = defaultRole
	}
	if p.Tenure <= 0 {
		p.Tenure = defaultTenure
	}
	return p
}
