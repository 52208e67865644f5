package features

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"biomarker-risk/internal/ml"
)

// Header columns of the feature-to-protein mapping file.
const (
	mapIDColumn      = "seq_column"
	mapProteinColumn = "protein_name"
)

// NameMap resolves biomarker identifiers to protein names. A nil *NameMap is
// valid and maps every identifier to itself.
type NameMap struct {
	names map[string]string
	order []string
}

// NewNameMap builds a map from ordered id/name pairs.
func NewNameMap(ids, names []string) *NameMap {
	m := &NameMap{names: make(map[string]string, len(ids))}
	for i, id := range ids {
		if _, dup := m.names[id]; dup {
			continue
		}
		name := ""
		if i < len(names) {
			name = names[i]
		}
		m.names[id] = name
		m.order = append(m.order, id)
	}
	return m
}

// LoadNameMap reads a mapping file. An empty path means no map is configured
// and returns nil without error; a configured path that cannot be read or
// parsed is an artifact failure.
func LoadNameMap(path string) (*NameMap, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: protein map %s: %v", ml.ErrArtifactLoad, path, err)
	}
	defer f.Close()

	m, err := ParseNameMap(f)
	if err != nil {
		return nil, fmt.Errorf("%w: protein map %s: %v", ml.ErrArtifactLoad, path, err)
	}
	log.Info().Str("path", path).Int("proteins", m.Len()).Msg("Protein mapping loaded")
	return m, nil
}

// ParseNameMap reads CSV with seq_column and protein_name headers.
func ParseNameMap(r io.Reader) (*NameMap, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("mapping file is empty")
		}
		return nil, err
	}
	idCol, nameCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) {
		case mapIDColumn:
			idCol = i
		case mapProteinColumn:
			nameCol = i
		}
	}
	if idCol < 0 || nameCol < 0 {
		return nil, fmt.Errorf("mapping header must contain %s and %s", mapIDColumn, mapProteinColumn)
	}

	var ids, names []string
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if idCol >= len(rec) || nameCol >= len(rec) {
			return nil, fmt.Errorf("line %d: expected at least %d fields", line, max(idCol, nameCol)+1)
		}
		id := strings.TrimSpace(rec[idCol])
		if id == "" {
			continue
		}
		ids = append(ids, id)
		names = append(names, strings.TrimSpace(rec[nameCol]))
	}
	return NewNameMap(ids, names), nil
}

// ProteinName returns the mapped name, or id itself when unmapped.
func (m *NameMap) ProteinName(id string) string {
	if m == nil {
		return id
	}
	if n := m.names[id]; n != "" {
		return n
	}
	return id
}

// Len returns the number of mapped identifiers.
func (m *NameMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.order)
}

// Order returns the identifiers in file order.
func (m *NameMap) Order() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.order...)
}

// Subset returns id -> protein name for ids, with the identity fallback.
func (m *NameMap) Subset(ids []string) map[string]string {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		out[id] = m.ProteinName(id)
	}
	return out
}

// SchemaSource is one candidate list of feature identifiers.
type SchemaSource struct {
	Name string
	IDs  []string
}

// Schema is the ordered feature identifier list the model was trained on.
type Schema struct {
	IDs    []string
	Source string
}

// ResolveSchema returns the first source whose length equals width. When no
// source fits, generic Feature_<i> identifiers are generated.
func ResolveSchema(width int, sources ...SchemaSource) Schema {
	for _, s := range sources {
		if len(s.IDs) == 0 {
			continue
		}
		if len(s.IDs) != width {
			log.Warn().
				Str("source", s.Name).
				Int("ids", len(s.IDs)).
				Int("width", width).
				Msg("Feature name source ignored, width differs")
			continue
		}
		return Schema{IDs: append([]string(nil), s.IDs...), Source: s.Name}
	}

	ids := make([]string, width)
	for i := range ids {
		ids[i] = fmt.Sprintf("Feature_%d", i)
	}
	return Schema{IDs: ids, Source: "generic"}
}

// Category groups proteins by biological function.
type Category struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

// Categories lists every category Categorize can return.
var Categories = []Category{
	{Name: "Neuroinflammation", Description: "Proteins involved in brain inflammation responses", Color: "#F5576C"},
	{Name: "Synaptic Function", Description: "Proteins related to neural signal transmission", Color: "#667EEA"},
	{Name: "Mitochondrial", Description: "Proteins involved in cellular energy production", Color: "#00D4AA"},
	{Name: "Oxidative Stress", Description: "Proteins related to oxidative damage and repair", Color: "#FFB800"},
	{Name: "Alpha-synuclein", Description: "Proteins related to PD-specific pathology", Color: "#4FACFE"},
	{Name: "General", Description: "Other relevant protein markers", Color: "#A855F7"},
}

// LookupCategory returns the Categories entry named name.
func LookupCategory(name string) (Category, bool) {
	for _, c := range Categories {
		if c.Name == name {
			return c, true
		}
	}
	return Category{}, false
}

var categoryPatterns = []struct {
	category string
	patterns []string
}{
	{"Neuroinflammation", []string{"il", "tnf", "inflam", "nfl"}},
	{"Synaptic Function", []string{"syn", "snap", "synapt"}},
	{"Mitochondrial", []string{"mito", "atp", "cox"}},
	{"Oxidative Stress", []string{"sod", "cat", "gpx", "oxid"}},
	{"Alpha-synuclein", []string{"snca", "alpha-syn", "asyn"}},
}

// Categorize assigns a category from substrings of the protein name. The
// first matching group wins.
func Categorize(name string) string {
	lower := strings.ToLower(name)
	for _, g := range categoryPatterns {
		for _, p := range g.patterns {
			if strings.Contains(lower, p) {
				return g.category
			}
		}
	}
	return "General"
}

// Pair is one identifier/value cell of a single-subject request.
type Pair struct {
	Name  string `json:"feature"`
	Value string `json:"value"`
}

// OrderPairs flattens a map into pairs: identifiers of schema first in schema
// order, then the rest sorted by name.
func OrderPairs(values map[string]string, schema []string) []Pair {
	pairs := make([]Pair, 0, len(values))
	used := make(map[string]bool, len(schema))
	for _, id := range schema {
		if v, ok := values[id]; ok && !used[id] {
			pairs = append(pairs, Pair{Name: id, Value: v})
			used[id] = true
		}
	}

	var rest []string
	for k := range values {
		if !used[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		pairs = append(pairs, Pair{Name: k, Value: values[k]})
	}
	return pairs
}

// TableFromPairs builds a one-row table.
func TableFromPairs(pairs []Pair) Table {
	t := Table{
		Columns: make([]string, len(pairs)),
		Rows:    [][]string{make([]string, len(pairs))},
	}
	for i, p := range pairs {
		t.Columns[i] = p.Name
		t.Rows[0][i] = p.Value
	}
	return t
}
