package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu            sync.Mutex
	batches       int
	subjects      int
	positives     int
	failures      map[string]int
	latencySum    float64
	probabilities []float64
	modelAge      float64
	features      int
}

func (m *MockMetrics) BatchesScoredInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
}

func (m *MockMetrics) SubjectsScoredAdd(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects += n
}

func (m *MockMetrics) PositiveSubjectsAdd(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positives += n
}

func (m *MockMetrics) ScoringFailuresInc(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == nil {
		m.failures = make(map[string]int)
	}
	m.failures[kind]++
}

func (m *MockMetrics) ScoringLatencyObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencySum += v
}

func (m *MockMetrics) ProbabilityObserve(p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probabilities = append(m.probabilities, p)
}

func (m *MockMetrics) ModelAgeSet(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelAge = v
}

func (m *MockMetrics) FeaturesLoadedSet(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features = n
}

// Batches returns the number of successfully scored batches.
func (m *MockMetrics) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// Subjects returns the number of scored subjects.
func (m *MockMetrics) Subjects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subjects
}

// Failures returns the failure count recorded for kind.
func (m *MockMetrics) Failures(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[kind]
}

// FixtureFeatureID names the j-th fixture biomarker.
func FixtureFeatureID(j int) string {
	return fmt.Sprintf("seq_%04d_%d", 1000+j, j%7+1)
}

// FixtureFeatureIDs returns the fixture schema of the given width.
func FixtureFeatureIDs(width int) []string {
	ids := make([]string, width)
	for j := range ids {
		ids[j] = FixtureFeatureID(j)
	}
	return ids
}

// FixtureImportances returns distinct non-negative weights, one of them zero.
func FixtureImportances(width int) []float64 {
	w := make([]float64, width)
	for j := range w {
		w[j] = float64((j * 37) % width)
	}
	return w
}

func leaf(v float64) *treeNode {
	return &treeNode{LeafValue: &v}
}

func stump(feature int, threshold, left, right float64) *treeNode {
	f := feature
	return &treeNode{
		SplitFeature: &f,
		SplitGain:    float64(feature + 1),
		Threshold:    threshold,
		DecisionType: "<=",
		DefaultLeft:  true,
		MissingType:  "None",
		LeftChild:    leaf(left),
		RightChild:   leaf(right),
	}
}

// FixtureModelJSON builds a small dump_model() style ensemble over width
// features. When withImportances is false, importances are derived from the
// trees.
func FixtureModelJSON(width int, withImportances bool) ([]byte, error) {
	ids := FixtureFeatureIDs(width)
	dump := modelDump{
		Name:                "tree",
		Version:             "v4",
		NumClass:            1,
		NumTreePerIteration: 1,
		MaxFeatureIdx:       width - 1,
		Objective:           "binary sigmoid:1",
		FeatureNames:        ids,
	}
	for k := 0; k < 4 && k < width; k++ {
		dump.TreeInfo = append(dump.TreeInfo, treeInfo{
			TreeIndex:     k,
			NumLeaves:     2,
			Shrinkage:     0.1,
			TreeStructure: stump(k, -0.05, 0.4-0.1*float64(k), -0.3+0.05*float64(k)),
		})
	}
	if withImportances {
		raw, err := json.Marshal(FixtureImportances(width))
		if err != nil {
			return nil, err
		}
		dump.FeatureImportances = raw
	}
	return json.MarshalIndent(dump, "", "  ")
}

// FixtureScaler returns centers and scales for width features.
func FixtureScaler(width int) ScalerArtifact {
	art := ScalerArtifact{
		Mean:           make([]float64, width),
		Scale:          make([]float64, width),
		NFeaturesIn:    width,
		FeatureNamesIn: FixtureFeatureIDs(width),
	}
	for j := 0; j < width; j++ {
		art.Mean[j] = 1.0 + 0.01*float64(j)
		art.Scale[j] = 0.5
	}
	return art
}

// FixturePaths locates artifacts written by WriteFixtureArtifacts.
type FixturePaths struct {
	Model      string
	Scaler     string
	ProteinMap string
}

// WriteFixtureArtifacts writes a model, scaler and protein map for width
// features into dir.
func WriteFixtureArtifacts(dir string, width int) (FixturePaths, error) {
	paths := FixturePaths{
		Model:      filepath.Join(dir, "model.json"),
		Scaler:     filepath.Join(dir, "scaler.json"),
		ProteinMap: filepath.Join(dir, "feature_protein_mapping.csv"),
	}

	model, err := FixtureModelJSON(width, true)
	if err != nil {
		return paths, err
	}
	if err := os.WriteFile(paths.Model, model, 0o600); err != nil {
		return paths, err
	}

	scaler, err := json.Marshal(FixtureScaler(width))
	if err != nil {
		return paths, err
	}
	if err := os.WriteFile(paths.Scaler, scaler, 0o600); err != nil {
		return paths, err
	}

	var b strings.Builder
	b.WriteString("seq_column,protein_name\n")
	for j, id := range FixtureFeatureIDs(width) {
		fmt.Fprintf(&b, "%s,PROT%d\n", id, j)
	}
	return paths, os.WriteFile(paths.ProteinMap, []byte(b.String()), 0o600)
}
