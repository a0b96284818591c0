// Package ident interns identifiers and source-file names and associates
// declarations with a file+line (spec §2 component A).
package ident

import (
	"regexp"

	"github.com/aggrobird/propane/perr"
)

// Name is a dense handle into the interned string table. The zero value is
// not a valid name; use Invalid to test for "no name".
type Name int32

// Invalid is the sentinel "no name" value.
const Invalid Name = -1

// reserved is the single reserved literal keyword that make_identifier
// must reject per spec §4.2.
const reserved = "this"

var identPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// ValidIdentifier reports whether name matches the identifier grammar and
// is not the reserved literal keyword.
func ValidIdentifier(name string) bool {
	return name != reserved && identPattern.MatchString(name)
}

// Table interns strings into dense Name handles, deduplicating repeats.
// Used both for identifiers and for source-file names (spec §3).
type Table struct {
	strings []string
	index   map[string]Name
}

// NewTable returns an empty interning table.
func NewTable() *Table {
	return &Table{index: make(map[string]Name)}
}

// Intern returns the Name for s, creating one if s has not been seen.
func (t *Table) Intern(s string) Name {
	if n, ok := t.index[s]; ok {
		return n
	}
	n := Name(len(t.strings))
	t.strings = append(t.strings, s)
	t.index[s] = n
	return n
}

// Lookup returns the Name already assigned to s, if any.
func (t *Table) Lookup(s string) (Name, bool) {
	n, ok := t.index[s]
	return n, ok
}

// String returns the interned text for n.
func (t *Table) String(n Name) string {
	if n == Invalid || int(n) >= len(t.strings) {
		return ""
	}
	return t.strings[n]
}

// Len returns the number of interned entries.
func (t *Table) Len() int { return len(t.strings) }

// All returns a copy of the interned strings in index order, for
// serialization (spec §4.1 index density invariant: no holes).
func (t *Table) All() []string {
	out := make([]string, len(t.strings))
	copy(out, t.strings)
	return out
}

// MakeIdentifier validates name against the identifier grammar and interns
// it, matching generator.make_identifier (spec §4.2).
func (t *Table) MakeIdentifier(name string, loc perr.SourceLoc) (Name, error) {
	if !ValidIdentifier(name) {
		return Invalid, perr.New(perr.GNRInvalidIdentifier, loc,
			"invalid identifier %q", name)
	}
	return t.Intern(name), nil
}

// Metadata associates a declaration or emitted instruction with its
// originating file+line (spec §7's SourceLoc, spec §3 "metadata index").
type Metadata struct {
	File Name
	Line int
}

// MetadataTable is a dense, append-only table of Metadata entries,
// referenced by metadata index from types, methods, globals and
// individual bytecode emissions.
type MetadataTable struct {
	entries []Metadata
}

// Index is a dense handle into a MetadataTable.
type Index int32

// InvalidIndex is the sentinel "no metadata" value.
const InvalidIndex Index = -1

func NewMetadataTable() *MetadataTable { return &MetadataTable{} }

// Append records md and returns its index.
func (m *MetadataTable) Append(md Metadata) Index {
	m.entries = append(m.entries, md)
	return Index(len(m.entries) - 1)
}

// Get returns the Metadata at idx.
func (m *MetadataTable) Get(idx Index) Metadata {
	if idx == InvalidIndex || int(idx) >= len(m.entries) {
		return Metadata{File: Invalid, Line: 0}
	}
	return m.entries[idx]
}

// Len returns the number of recorded entries.
func (m *MetadataTable) Len() int { return len(m.entries) }

// All returns the recorded metadata in index order, for serialization.
func (m *MetadataTable) All() []Metadata {
	out := make([]Metadata, len(m.entries))
	copy(out, m.entries)
	return out
}
