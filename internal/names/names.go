// Package names generates display names for agents that register without
// one. Names are only labels for the operator UI; uniqueness is never
// assumed anywhere.
package names

import (
	"fmt"
	"math/rand"
)

var adjectives = []string{
	"Quiet", "Patient", "Stubborn", "Curious", "Lapsed",
	"Unqualified", "Reformed", "Tactical", "Relative", "Honest",
	"Irregular", "Transient", "Legitimate", "Uninvited", "Serious",
}

var nouns = []string{
	"Gravitas", "Margin", "Signal", "Context", "Consequence",
	"Protocol", "Horizon", "Tangent", "Quotient", "Restraint",
	"Observation", "Salvage", "Indiscretion", "Correspondent", "Witness",
}

// Generate returns a random two-word display name with a short numeric tag
// so concurrent registrations rarely collide visually. The top-level rand
// functions lock internally, so Generate is safe from concurrent
// registrations.
func Generate() string {
	adj := adjectives[rand.Intn(len(adjectives))]
	noun := nouns[rand.Intn(len(nouns))]
	return fmt.Sprintf("%s %s %02d", adj, noun, rand.Intn(100))
}
