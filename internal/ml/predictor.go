package ml

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

// Importance types understood when the artifact carries no precomputed
// importance vector.
const (
	ImportanceSplit = "split"
	ImportanceGain  = "gain"
)

const (
	maxTreeDepth  = 4096
	zeroThreshold = 1e-35
)

// ModelOptions controls how a tree model artifact is loaded.
type ModelOptions struct {
	// ExpectedWidth is the feature count the model must score. Zero skips
	// the check.
	ExpectedWidth int
	// ImportanceType selects split counts or total gain when importances
	// have to be derived from the trees.
	ImportanceType string
}

// modelDump mirrors the JSON produced by a LightGBM booster's dump_model().
type modelDump struct {
	Name                string          `json:"name"`
	Version             string          `json:"version"`
	NumClass            int             `json:"num_class"`
	NumTreePerIteration int             `json:"num_tree_per_iteration"`
	MaxFeatureIdx       int             `json:"max_feature_idx"`
	Objective           string          `json:"objective"`
	AverageOutput       bool            `json:"average_output"`
	FeatureNames        []string        `json:"feature_names"`
	TreeInfo            []treeInfo      `json:"tree_info"`
	FeatureImportances  json.RawMessage `json:"feature_importances,omitempty"`
}

type treeInfo struct {
	TreeIndex     int       `json:"tree_index"`
	NumLeaves     int       `json:"num_leaves"`
	Shrinkage     float64   `json:"shrinkage"`
	TreeStructure *treeNode `json:"tree_structure"`
}

type treeNode struct {
	SplitFeature *int      `json:"split_feature"`
	SplitGain    float64   `json:"split_gain"`
	Threshold    float64   `json:"threshold"`
	DecisionType string    `json:"decision_type"`
	DefaultLeft  bool      `json:"default_left"`
	MissingType  string    `json:"missing_type"`
	LeftChild    *treeNode `json:"left_child"`
	RightChild   *treeNode `json:"right_child"`
	LeafValue    *float64  `json:"leaf_value"`
}

// node is the flattened, evaluation-ready form of a tree node.
type node struct {
	leaf        bool
	value       float64
	feature     int
	threshold   float64
	defaultLeft bool
	missing     string
	left, right int
}

type tree struct {
	nodes []node
}

// TreeModel is a frozen gradient-boosted tree ensemble for binary
// classification. It is safe for concurrent use.
type TreeModel struct {
	trees         []tree
	width         int
	sigmoid       float64
	averageOutput bool
	featureNames  []string
	importances   []float64
	path          string
	modTime       time.Time
}

// LoadModel reads a tree ensemble artifact and verifies it can score rows of
// the expected width. Any problem is reported as ErrArtifactLoad.
func LoadModel(path string, opts ModelOptions) (*TreeModel, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, artifactErr("model", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, artifactErr("model", path, err)
	}

	m, err := ParseModel(data, opts)
	if err != nil {
		return nil, artifactErr("model", path, err)
	}
	m.path = path
	m.modTime = info.ModTime()

	log.Info().
		Str("model_path", path).
		Int("trees", len(m.trees)).
		Int("features", m.width).
		Msg("Tree model loaded")

	return m, nil
}

// ParseModel builds a TreeModel from dump_model() JSON.
func ParseModel(data []byte, opts ModelOptions) (*TreeModel, error) {
	var dump modelDump
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&dump); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}

	if dump.NumClass > 1 {
		return nil, fmt.Errorf("expected a binary model, got %d classes", dump.NumClass)
	}
	if len(dump.TreeInfo) == 0 {
		return nil, fmt.Errorf("model contains no trees")
	}

	sigmoid, err := parseSigmoid(dump.Objective)
	if err != nil {
		return nil, err
	}

	width := dump.MaxFeatureIdx + 1
	if len(dump.FeatureNames) > 0 && len(dump.FeatureNames) != width {
		return nil, fmt.Errorf("model lists %d feature names but max_feature_idx is %d", len(dump.FeatureNames), dump.MaxFeatureIdx)
	}
	if opts.ExpectedWidth > 0 && width != opts.ExpectedWidth {
		return nil, fmt.Errorf("model is trained on %d features, expected %d", width, opts.ExpectedWidth)
	}

	m := &TreeModel{
		trees:         make([]tree, 0, len(dump.TreeInfo)),
		width:         width,
		sigmoid:       sigmoid,
		averageOutput: dump.AverageOutput,
		featureNames:  append([]string(nil), dump.FeatureNames...),
	}

	split := make([]float64, width)
	gain := make([]float64, width)
	for _, ti := range dump.TreeInfo {
		if ti.TreeStructure == nil {
			return nil, fmt.Errorf("tree %d has no structure", ti.TreeIndex)
		}
		var t tree
		if _, err := t.flatten(ti.TreeStructure, width, 0, split, gain); err != nil {
			return nil, fmt.Errorf("tree %d: %w", ti.TreeIndex, err)
		}
		m.trees = append(m.trees, t)
	}

	m.importances, err = resolveImportances(dump, split, gain, opts.ImportanceType)
	if err != nil {
		return nil, err
	}

	probe := mat.NewDense(1, width, nil)
	probs, err := m.PredictProba(probe)
	if err != nil {
		return nil, fmt.Errorf("probe scoring failed: %w", err)
	}
	if len(probs) != 1 {
		return nil, fmt.Errorf("probe scoring returned %d probabilities", len(probs))
	}

	return m, nil
}

func parseSigmoid(objective string) (float64, error) {
	if objective == "" {
		return 1, nil
	}
	fields := strings.Fields(objective)
	switch fields[0] {
	case "binary", "cross_entropy", "xentropy":
	default:
		return 0, fmt.Errorf("unsupported objective %q", fields[0])
	}
	for _, f := range fields[1:] {
		if v, ok := strings.CutPrefix(f, "sigmoid:"); ok {
			s, err := strconv.ParseFloat(v, 64)
			if err != nil || s <= 0 {
				return 0, fmt.Errorf("invalid sigmoid parameter %q", v)
			}
			return s, nil
		}
	}
	return 1, nil
}

func (t *tree) flatten(n *treeNode, width, depth int, split, gain []float64) (int, error) {
	if depth > maxTreeDepth {
		return 0, fmt.Errorf("tree deeper than %d levels", maxTreeDepth)
	}

	idx := len(t.nodes)
	if n.SplitFeature == nil {
		if n.LeafValue == nil {
			return 0, fmt.Errorf("node has neither a split nor a leaf value")
		}
		t.nodes = append(t.nodes, node{leaf: true, value: *n.LeafValue})
		return idx, nil
	}

	f := *n.SplitFeature
	if f < 0 || f >= width {
		return 0, fmt.Errorf("split feature %d outside model width %d", f, width)
	}
	if n.DecisionType != "" && n.DecisionType != "<=" {
		return 0, fmt.Errorf("unsupported decision type %q", n.DecisionType)
	}
	if n.LeftChild == nil || n.RightChild == nil {
		return 0, fmt.Errorf("split on feature %d is missing a child", f)
	}

	split[f]++
	gain[f] += n.SplitGain

	t.nodes = append(t.nodes, node{
		feature:     f,
		threshold:   n.Threshold,
		defaultLeft: n.DefaultLeft,
		missing:     n.MissingType,
	})

	left, err := t.flatten(n.LeftChild, width, depth+1, split, gain)
	if err != nil {
		return 0, err
	}
	right, err := t.flatten(n.RightChild, width, depth+1, split, gain)
	if err != nil {
		return 0, err
	}
	t.nodes[idx].left = left
	t.nodes[idx].right = right
	return idx, nil
}

func (t *tree) eval(row []float64) float64 {
	i := 0
	for {
		n := &t.nodes[i]
		if n.leaf {
			return n.value
		}
		v := row[n.feature]
		var goLeft bool
		switch {
		case math.IsNaN(v) && n.missing == "NaN":
			goLeft = n.defaultLeft
		case n.missing == "Zero" && (math.IsNaN(v) || math.Abs(v) <= zeroThreshold):
			goLeft = n.defaultLeft
		case math.IsNaN(v):
			goLeft = 0 <= n.threshold
		default:
			goLeft = v <= n.threshold
		}
		if goLeft {
			i = n.left
		} else {
			i = n.right
		}
	}
}

func resolveImportances(dump modelDump, split, gain []float64, importanceType string) ([]float64, error) {
	width := len(split)
	if len(dump.FeatureImportances) > 0 && string(dump.FeatureImportances) != "null" {
		return decodeImportances(dump.FeatureImportances, dump.FeatureNames, width)
	}

	switch importanceType {
	case "", ImportanceSplit:
		return split, nil
	case ImportanceGain:
		return gain, nil
	default:
		return nil, fmt.Errorf("unknown importance type %q", importanceType)
	}
}

// decodeImportances accepts either a positional array or an object keyed by
// feature name. Features absent from the object get zero importance.
func decodeImportances(raw json.RawMessage, names []string, width int) ([]float64, error) {
	out := make([]float64, width)

	var positional []float64
	if err := json.Unmarshal(raw, &positional); err == nil {
		if len(positional) != width {
			return nil, fmt.Errorf("feature_importances has %d entries, expected %d", len(positional), width)
		}
		copy(out, positional)
		return out, checkImportances(out)
	}

	var byName map[string]float64
	if err := json.Unmarshal(raw, &byName); err != nil {
		return nil, fmt.Errorf("decode feature_importances: %w", err)
	}
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}
	for name, v := range byName {
		i, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("feature_importances names unknown feature %q", name)
		}
		out[i] = v
	}
	return out, checkImportances(out)
}

func checkImportances(w []float64) error {
	for i, v := range w {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("importance %d is %v, expected a finite non-negative weight", i, v)
		}
	}
	return nil
}

// PredictProba returns the class-1 probability for every row of x. A panic
// while walking the trees is reported as ErrInternalScoring.
func (m *TreeModel) PredictProba(x *mat.Dense) (probs []float64, err error) {
	if x == nil {
		return nil, fmt.Errorf("%w: nil feature matrix", ErrInternalScoring)
	}
	rows, cols := x.Dims()
	if cols != m.width {
		return nil, &SchemaMismatchError{
			Expected: m.width,
			Found:    cols,
			Reason:   "number of features does not match the model",
		}
	}

	defer func() {
		if r := recover(); r != nil {
			probs = nil
			err = fmt.Errorf("%w: model evaluation panicked: %v", ErrInternalScoring, r)
		}
	}()

	probs = make([]float64, rows)
	for i := 0; i < rows; i++ {
		row := x.RawRowView(i)
		raw := 0.0
		for j := range m.trees {
			raw += m.trees[j].eval(row)
		}
		if m.averageOutput {
			raw /= float64(len(m.trees))
		}
		p := 1.0 / (1.0 + math.Exp(-m.sigmoid*raw))
		if math.IsNaN(p) {
			return nil, fmt.Errorf("%w: probability for row %d is NaN", ErrInternalScoring, i)
		}
		probs[i] = p
	}
	return probs, nil
}

// Importances returns a copy of the global importance vector.
func (m *TreeModel) Importances() []float64 {
	return append([]float64(nil), m.importances...)
}

// Width returns the number of features the model was trained on.
func (m *TreeModel) Width() int {
	return m.width
}

// FeatureNames returns the feature names stored in the artifact, if any.
func (m *TreeModel) FeatureNames() []string {
	return append([]string(nil), m.featureNames...)
}

// NumTrees returns the ensemble size.
func (m *TreeModel) NumTrees() int {
	return len(m.trees)
}

// ModTime returns the artifact's modification time; zero when the model was
// parsed from memory.
func (m *TreeModel) ModTime() time.Time {
	return m.modTime
}
