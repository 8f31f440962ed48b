package match

import (
	"regexp"
	"strings"

	"github.com/calden/roomtemp/internal/models"
)

// Room is one entry of a scope's room catalog as supplied by the resolver.
type Room struct {
	Key    string `json:"key"`
	Number string `json:"number"`
	Name   string `json:"name"`
}

// RoomResolver supplies the canonical room catalog. The pipeline never parses
// building/room text itself beyond the token matching below; canonical
// naming is delegated to the resolver.
type RoomResolver interface {
	ListRooms(scope string) []Room
	ResolveRoom(scope, label string) (Room, bool)
	DisplayName(key string) string
}

// StaticResolver is a RoomResolver built once from configuration and immutable
// afterwards. Callers construct and inject it; there is no ambient singleton.
type StaticResolver struct {
	rooms map[string][]Room
	byKey map[string]Room
}

// NewStaticResolver builds a resolver from a scope-to-rooms catalog.
func NewStaticResolver(catalog map[string][]Room) *StaticResolver {
	r := &StaticResolver{
		rooms: make(map[string][]Room, len(catalog)),
		byKey: make(map[string]Room),
	}
	for scope, rooms := range catalog {
		copied := make([]Room, len(rooms))
		copy(copied, rooms)
		r.rooms[scope] = copied
		for _, room := range rooms {
			r.byKey[room.Key] = room
		}
	}
	return r
}

// ListRooms returns the rooms known for a scope.
func (r *StaticResolver) ListRooms(scope string) []Room {
	rooms := r.rooms[scope]
	out := make([]Room, len(rooms))
	copy(out, rooms)
	return out
}

// ResolveRoom finds a room whose normalized number or name equals the label.
func (r *StaticResolver) ResolveRoom(scope, label string) (Room, bool) {
	norm := normalizeLabel(label)
	for _, room := range r.rooms[scope] {
		if normalizeLabel(room.Number) == norm || normalizeLabel(room.Name) == norm {
			return room, true
		}
	}
	return Room{}, false
}

// DisplayName returns the human name of a room key, falling back to the key.
func (r *StaticResolver) DisplayName(key string) string {
	if room, ok := r.byKey[key]; ok && room.Name != "" {
		return room.Name
	}
	return key
}

// Result is a scored room suggestion for a device label.
type Result struct {
	RoomKey    string           `json:"room_key"`
	Confidence float64          `json:"confidence"`
	Method     models.MapMethod `json:"method"`
	Rule       string           `json:"rule,omitempty"`
}

// ambiguousConfidence is the cap applied when two rooms tie for the best
// score, so a reviewer resolves the tie instead of the matcher guessing.
const ambiguousConfidence = 0.65

// Room-like tokens extracted from device labels, most specific first.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{2,4}\.\d{1,3}[A-Za-z]?`),
	regexp.MustCompile(`[A-Za-z]{1,3}\d{2,4}`),
	regexp.MustCompile(`\d{2,4}[A-Za-z]?`),
}

var trailingLetterRe = regexp.MustCompile(`[A-Za-z]$`)

// rule is one named matcher in the scoring policy. Rules are data, ordered by
// score, so the policy is testable per rule.
type rule struct {
	name  string
	score float64
	match func(label labelTokens, room Room) bool
}

type labelTokens struct {
	norm   string
	tokens []string
}

var matchRules = []rule{
	{
		name:  "exact_room_number",
		score: 0.95,
		match: func(l labelTokens, room Room) bool {
			number := normalizeLabel(room.Number)
			if number == "" {
				return false
			}
			for _, tok := range l.tokens {
				if tok == number {
					return true
				}
			}
			return false
		},
	},
	{
		name:  "room_number",
		score: 0.85,
		match: func(l labelTokens, room Room) bool {
			digits := stripLetterSuffix(normalizeLabel(room.Number))
			if digits == "" {
				return false
			}
			for _, tok := range l.tokens {
				if stripLetterSuffix(tok) == digits {
					return true
				}
			}
			return false
		},
	},
	{
		name:  "label_match",
		score: 0.8,
		match: func(l labelTokens, room Room) bool {
			name := normalizeLabel(room.Name)
			return name != "" && strings.Contains(l.norm, name)
		},
	},
	{
		name:  "room_number_text",
		score: 0.75,
		match: func(l labelTokens, room Room) bool {
			number := normalizeLabel(room.Number)
			return number != "" && strings.Contains(l.norm, number)
		},
	},
}

// MatchRoom scores a device label against every room in the scope and returns
// the best suggestion. Exact room-number hits dominate over substring noise;
// a tie for the best score caps confidence at 0.65. A zero result has an
// empty room key.
func MatchRoom(resolver RoomResolver, scope, label string) Result {
	l := labelTokens{
		norm:   normalizeLabel(label),
		tokens: extractTokens(label),
	}

	var best Result
	tied := 0
	for _, room := range resolver.ListRooms(scope) {
		score, name := scoreRoom(l, room)
		if score == 0 {
			continue
		}
		switch {
		case score > best.Confidence:
			best = Result{RoomKey: room.Key, Confidence: score, Method: models.MapMethodAuto, Rule: name}
			tied = 1
		case score == best.Confidence:
			tied++
		}
	}

	if tied > 1 && best.Confidence > ambiguousConfidence {
		best.Confidence = ambiguousConfidence
		best.Rule = "ambiguous"
	}
	return best
}

func scoreRoom(l labelTokens, room Room) (float64, string) {
	for _, r := range matchRules {
		if r.match(l, room) {
			return r.score, r.name
		}
	}
	return 0, ""
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func stripLetterSuffix(tok string) string {
	return trailingLetterRe.ReplaceAllString(tok, "")
}

// extractTokens pulls room-like tokens out of a label: decimal room numbers,
// letter-prefixed codes, then plain numbers. Longer patterns run first so a
// decimal number is not shredded into its integer parts.
func extractTokens(label string) []string {
	norm := normalizeLabel(label)
	var tokens []string
	consumed := norm
	for _, re := range tokenPatterns {
		for _, m := range re.FindAllString(consumed, -1) {
			tokens = append(tokens, m)
		}
		consumed = re.ReplaceAllString(consumed, " ")
	}
	return tokens
}
