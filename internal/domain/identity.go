package domain

import "fmt"

// LocationMatch selects which payload fields identify a location.
type LocationMatch string

const (
	// MatchCoordinates treats two payloads as the same place when lat and lon
	// are exactly equal.
	MatchCoordinates LocationMatch = "coordinates"
	// MatchNameAndCoordinates additionally requires name and country to match.
	MatchNameAndCoordinates LocationMatch = "name_and_coordinates"
)

// ParseLocationMatch validates a policy name.
func ParseLocationMatch(s string) (LocationMatch, error) {
	switch m := LocationMatch(s); m {
	case MatchCoordinates, MatchNameAndCoordinates:
		return m, nil
	default:
		return "", fmt.Errorf("unknown location match policy %q", s)
	}
}
