package electro

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	invalidIdentifierChars = regexp.MustCompile(`[^a-z0-9_]+`)
	repeatedUnderscores    = regexp.MustCompile(`_+`)
)

// IdentifierPrefix makes empty or digit-leading table names schema-legal
var IdentifierPrefix = "data_"

// SanitizeIdentifier converts a device register label into a column identifier.
// "Andrea (Delta)" -> "andrea_delta", "Inv 6-8+" -> "inv_6_8_plus".
// Distinct labels may collide; use MakeUnique over the complete register list.
// A label with nothing left after cleaning becomes "data", not "data_", so the result is stable
// when sanitized again.
func SanitizeIdentifier(label string) string {
	s := strings.ToLower(label)
	s = strings.ReplaceAll(s, "+", "_plus")
	s = strings.ReplaceAll(s, "-", "_")
	s = normalizeIdentifier(s)
	if s == "" {
		return strings.TrimSuffix(IdentifierPrefix, "_")
	}
	return s
}

// SanitizeTableName converts a client name into a table name, e.g. "Client 1" -> "client_1"
func SanitizeTableName(name string) string {
	s := normalizeIdentifier(strings.ToLower(name))
	if s == "" {
		return IdentifierPrefix + "client"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = IdentifierPrefix + s
	}
	return s
}

func normalizeIdentifier(s string) string {
	s = invalidIdentifierChars.ReplaceAllString(s, "_")
	s = repeatedUnderscores.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// MakeUnique sanitizes every label and suffixes repeated identifiers with _2, _3, ...
// in first-seen order. Output has the same length and order as labels.
func MakeUnique(labels []string) []string {
	return makeUniqueAvoiding(labels, nil)
}

// makeUniqueAvoiding is MakeUnique with identifiers that are already taken,
// e.g. the fixed columns of a client table
func makeUniqueAvoiding(labels []string, reserved []string) []string {
	seen := make(map[string]struct{}, len(labels)+len(reserved))
	for _, r := range reserved {
		seen[r] = struct{}{}
	}

	unique := make([]string, 0, len(labels))
	for _, label := range labels {
		base := SanitizeIdentifier(label)
		candidate := base
		for n := 2; ; n++ {
			if _, taken := seen[candidate]; !taken {
				break
			}
			candidate = fmt.Sprintf("%s_%d", base, n)
		}
		seen[candidate] = struct{}{}
		unique = append(unique, candidate)
	}
	return unique
}

// RegisterColumn pairs a raw register label with its column identifier
type RegisterColumn struct {
	Register string `json:"register"`
	Column   string `json:"column"`
}

// RegisterMapping is the positional register -> column mapping of one extraction.
// It is derived fresh on every extraction and is not stable across calls.
type RegisterMapping []RegisterColumn

// NewRegisterMapping builds the mapping for registers, avoiding the fixed table columns
func NewRegisterMapping(registers []string) RegisterMapping {
	columns := makeUniqueAvoiding(registers, FixedColumnNames())
	mapping := make(RegisterMapping, len(registers))
	for i, reg := range registers {
		mapping[i] = RegisterColumn{Register: reg, Column: columns[i]}
	}
	return mapping
}

// Registers returns the raw labels in order
func (m RegisterMapping) Registers() []string {
	out := make([]string, len(m))
	for i, rc := range m {
		out[i] = rc.Register
	}
	return out
}

// Columns returns the column identifiers in order
func (m RegisterMapping) Columns() []string {
	out := make([]string, len(m))
	for i, rc := range m {
		out[i] = rc.Column
	}
	return out
}

// Map returns the raw -> column view; a repeated raw label keeps its last column
func (m RegisterMapping) Map() map[string]string {
	out := make(map[string]string, len(m))
	for _, rc := range m {
		out[rc.Register] = rc.Column
	}
	return out
}
