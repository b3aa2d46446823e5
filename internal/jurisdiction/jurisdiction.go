// Package jurisdiction models the legal/cultural regions that calendars and
// compliance rules are scoped to.
//
// A jurisdiction is identified by "country[/subdivision[/city]]", e.g.
// "DE", "ES/CT", "IN/MH/Mumbai". Narrower scopes inherit from wider ones;
// calendar override entries win by specificity (city > subdivision > country).
package jurisdiction

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Scope is the specificity level of a jurisdiction ID.
type Scope int

const (
	ScopeCountry Scope = iota + 1
	ScopeSubdivision
	ScopeCity
)

func (s Scope) String() string {
	switch s {
	case ScopeCountry:
		return "country"
	case ScopeSubdivision:
		return "subdivision"
	case ScopeCity:
		return "city"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

var errEmptyID = errors.New("jurisdiction: empty id")

// ID identifies a jurisdiction at some scope.
type ID struct {
	Country     string
	Subdivision string
	City        string
}

// Parse parses "country[/subdivision[/city]]". Country codes are upper-cased;
// city names keep their feed spelling.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ID{}, errEmptyID
	}
	parts := strings.Split(s, "/")
	if len(parts) > 3 {
		return ID{}, fmt.Errorf("jurisdiction: malformed id %q", s)
	}
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
		if parts[i] == "" {
			return ID{}, fmt.Errorf("jurisdiction: malformed id %q", s)
		}
	}
	id := ID{Country: strings.ToUpper(parts[0])}
	if len(parts) > 1 {
		id.Subdivision = strings.ToUpper(parts[1])
	}
	if len(parts) > 2 {
		id.City = parts[2]
	}
	return id, nil
}

// MustParse is Parse for static fixtures; it panics on malformed input.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	b := id.Country
	if id.Subdivision != "" {
		b += "/" + id.Subdivision
	}
	if id.City != "" {
		b += "/" + id.City
	}
	return b
}

func (id ID) IsZero() bool { return id.Country == "" }

// Scope returns the specificity of the ID.
func (id ID) Scope() Scope {
	switch {
	case id.City != "":
		return ScopeCity
	case id.Subdivision != "":
		return ScopeSubdivision
	default:
		return ScopeCountry
	}
}

// CountryID returns the country-level ancestor.
func (id ID) CountryID() ID { return ID{Country: id.Country} }

// Lineage returns the ID and its ancestors, widest first
// (country, then subdivision, then city).
func (id ID) Lineage() []ID {
	out := []ID{id.CountryID()}
	if id.Subdivision != "" {
		out = append(out, ID{Country: id.Country, Subdivision: id.Subdivision})
	}
	if id.City != "" {
		out = append(out, id)
	}
	return out
}

// Contains reports whether other falls under id's scope
// (a country contains its subdivisions and cities).
func (id ID) Contains(other ID) bool {
	if id.Country != other.Country {
		return false
	}
	if id.Subdivision != "" && id.Subdivision != other.Subdivision {
		return false
	}
	if id.City != "" && id.City != other.City {
		return false
	}
	return true
}

// Jurisdiction is immutable reference data loaded from the feed.
// It is never mutated by request handling.
type Jurisdiction struct {
	ID ID

	// Name is the human-readable label from the feed.
	Name string

	// Timezone is the default IANA zone for participants without a profile
	// timezone.
	Timezone string

	// RuleSet names the legal rule set in the regulatory feed.
	RuleSet string

	// CalendarRef names the holiday calendar in the holiday feed.
	CalendarRef string

	// Default civil work-hour bounds, minutes from midnight.
	WorkDayStartMin int
	WorkDayEndMin   int
}

// Location resolves the jurisdiction's timezone, defaulting to UTC.
func (j Jurisdiction) Location() (*time.Location, error) {
	tz := strings.TrimSpace(j.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}
