package features

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"biomarker-risk/internal/ml"
)

// DefaultPrefix marks biomarker columns in uploaded tables.
const DefaultPrefix = "seq_"

// Truncation policies applied when more biomarker columns are present than
// the model accepts.
const (
	TruncateFirst  = "first"
	TruncateReject = "reject"
)

// Table is a parsed tabular batch. Cells stay as text so the aligner can
// report exactly which columns failed numeric coercion.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Len returns the number of data rows.
func (t Table) Len() int {
	return len(t.Rows)
}

func (t Table) cell(row, col int) string {
	r := t.Rows[row]
	if col >= len(r) {
		return ""
	}
	return r[col]
}

// AlignerConfig controls column selection.
type AlignerConfig struct {
	// Width is the number of features the model expects. Zero disables the
	// width checks.
	Width int
	// Prefix selects biomarker columns by name. Empty means DefaultPrefix.
	Prefix string
	// Expected, when set, pins the exact identifiers and their order.
	Expected []string
	// Truncation is TruncateFirst or TruncateReject.
	Truncation string
}

// Aligned is the fully numeric feature matrix handed to the scaler, in
// schema order.
type Aligned struct {
	Columns  []string
	Values   [][]float64
	Strategy string
}

// Matrix copies the aligned values into a dense row-major matrix.
func (a *Aligned) Matrix() *mat.Dense {
	rows, cols := len(a.Values), len(a.Columns)
	data := make([]float64, 0, rows*cols)
	for _, r := range a.Values {
		data = append(data, r...)
	}
	return mat.NewDense(rows, cols, data)
}

// Row returns the raw values of subject i.
func (a *Aligned) Row(i int) []float64 {
	return a.Values[i]
}

// selectionStrategy returns the indices of the columns it selects, or nil
// when it does not apply to the table.
type selectionStrategy struct {
	name string
	pick func(t Table, cfg AlignerConfig) ([]int, error)
}

// Strategies are tried in order; the first non-empty selection wins.
var selectionStrategies = []selectionStrategy{
	{name: "expected", pick: pickExpected},
	{name: "prefix", pick: pickPrefix},
	{name: "numeric", pick: pickNumeric},
}

func pickExpected(t Table, cfg AlignerConfig) ([]int, error) {
	if len(cfg.Expected) == 0 {
		return nil, nil
	}
	index := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		if _, dup := index[c]; !dup {
			index[c] = i
		}
	}

	var picked []int
	var missing []string
	for _, id := range cfg.Expected {
		i, ok := index[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		picked = append(picked, i)
	}
	if len(missing) > 0 {
		return nil, &ml.SchemaMismatchError{
			Expected: len(cfg.Expected),
			Found:    len(picked),
			Missing:  missing,
		}
	}
	return picked, nil
}

func pickPrefix(t Table, cfg AlignerConfig) ([]int, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	var picked []int
	for i, c := range t.Columns {
		if strings.HasPrefix(c, prefix) {
			picked = append(picked, i)
		}
	}
	return picked, nil
}

// pickNumeric keeps columns whose non-empty cells all parse as numbers.
// Columns with no values at all are not numeric.
func pickNumeric(t Table, _ AlignerConfig) ([]int, error) {
	var picked []int
	for i := range t.Columns {
		seen := false
		numeric := true
		for r := range t.Rows {
			s := strings.TrimSpace(t.cell(r, i))
			if s == "" {
				continue
			}
			seen = true
			if _, err := strconv.ParseFloat(s, 64); err != nil {
				numeric = false
				break
			}
		}
		if seen && numeric {
			picked = append(picked, i)
		}
	}
	return picked, nil
}

// Align selects the biomarker columns of t, enforces the model width and
// coerces every selected cell to a finite number. It does not modify t.
func Align(t Table, cfg AlignerConfig) (*Aligned, error) {
	if t.Len() == 0 {
		return nil, fmt.Errorf("%w: the uploaded table has no rows", ml.ErrEmptyInput)
	}
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("%w: the uploaded table has no columns", ml.ErrEmptyInput)
	}

	var (
		picked   []int
		strategy string
	)
	for _, s := range selectionStrategies {
		idx, err := s.pick(t, cfg)
		if err != nil {
			return nil, err
		}
		if len(idx) > 0 {
			picked, strategy = idx, s.name
			break
		}
	}
	if len(picked) == 0 {
		return nil, &ml.SchemaMismatchError{
			Expected: cfg.Width,
			Found:    0,
			Reason:   "no biomarker columns found",
		}
	}

	if cfg.Width > 0 {
		switch {
		case len(picked) < cfg.Width:
			return nil, &ml.SchemaMismatchError{Expected: cfg.Width, Found: len(picked)}
		case len(picked) > cfg.Width:
			if cfg.Truncation == TruncateReject {
				return nil, &ml.SchemaMismatchError{
					Expected: cfg.Width,
					Found:    len(picked),
					Reason:   "more biomarker columns than the model accepts",
				}
			}
			log.Warn().
				Str("strategy", strategy).
				Int("found", len(picked)).
				Int("expected", cfg.Width).
				Msg("Extra biomarker columns ignored")
			picked = picked[:cfg.Width]
		}
	}

	out := &Aligned{
		Columns:  make([]string, len(picked)),
		Values:   make([][]float64, t.Len()),
		Strategy: strategy,
	}
	for j, c := range picked {
		out.Columns[j] = t.Columns[c]
	}

	bad := make(map[string]int)
	for r := range t.Rows {
		row := make([]float64, len(picked))
		for j, c := range picked {
			v, ok := parseCell(t.cell(r, c))
			if !ok {
				bad[t.Columns[c]]++
				continue
			}
			row[j] = v
		}
		out.Values[r] = row
	}
	if len(bad) > 0 {
		return nil, &ml.InvalidFeatureValueError{BadRows: bad}
	}

	return out, nil
}

func parseCell(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
