package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"biomarker-risk/internal/common"
	"biomarker-risk/internal/feed"
	"biomarker-risk/internal/features"
	"biomarker-risk/internal/ingest"
	"biomarker-risk/internal/ml"
	"biomarker-risk/internal/scoring"
	"biomarker-risk/internal/storage"
)

const multipartMemory = 32 << 20

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Detail  string         `json:"detail"`
	Columns map[string]int `json:"invalid_columns,omitempty"`
	Missing []string       `json:"missing_features,omitempty"`
}

// BatchResponse is returned by the CSV upload endpoint.
type BatchResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	*scoring.BatchResult
}

// PredictRequest carries one subject keyed by feature identifier. Values may
// be JSON numbers or numeric strings.
type PredictRequest struct {
	Features map[string]json.Number `json:"features"`
}

// PredictResponse wraps a single scored subject.
type PredictResponse struct {
	Success bool                   `json:"success"`
	Subject *scoring.ScoredSubject `json:"result"`
}

// RequiredFeature describes one schema column.
type RequiredFeature struct {
	Feature     string  `json:"feature"`
	ProteinName string  `json:"protein_name"`
	Importance  float64 `json:"importance"`
}

// RequiredFeaturesResponse lists the schema in order.
type RequiredFeaturesResponse struct {
	FeatureCount int               `json:"feature_count"`
	SchemaSource string            `json:"schema_source"`
	Features     []RequiredFeature `json:"features"`
}

// SampleDataResponse holds one example subject, also rendered as CSV.
type SampleDataResponse struct {
	Features []features.Pair `json:"features"`
	CSV      string          `json:"csv"`
}

// ImportanceEntry extends a ranked biomarker with its weight relative to the
// top one.
type ImportanceEntry struct {
	ml.BiomarkerImportance
	Normalized float64 `json:"importance_normalized"`
}

// ImportanceResponse is the global importance ranking.
type ImportanceResponse struct {
	TotalFeatures int               `json:"total_features"`
	TopN          int               `json:"top_n"`
	Features      []ImportanceEntry `json:"features"`
}

// Biomarker is a ranked biomarker with its category description.
type Biomarker struct {
	ml.BiomarkerImportance
	Description string `json:"description"`
	Color       string `json:"color"`
}

const biomarkerListSize = 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := ErrorResponse{Error: ml.Kind(err), Detail: err.Error()}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		status = http.StatusRequestEntityTooLarge
		body.Error = "payload_too_large"
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		status = http.StatusBadRequest
		body.Error = "unsupported_format"
	case ml.IsClientError(err):
		status = http.StatusBadRequest
	}

	var invalid *ml.InvalidFeatureValueError
	if errors.As(err, &invalid) {
		body.Columns = invalid.BadRows
	}
	var mismatch *ml.SchemaMismatchError
	if errors.As(err, &mismatch) {
		body.Missing = mismatch.Missing
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("kind", body.Error).Msg("Request failed")
		if s.metrics != nil {
			s.metrics.Errors().Inc()
		}
	} else {
		log.Warn().Err(err).Str("kind", body.Error).Msg("Request rejected")
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, kind, detail string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: kind, Detail: detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := s.svc.Info()
	resp := map[string]interface{}{
		"status":           "healthy",
		"model_loaded":     true,
		"scaler_loaded":    true,
		"feature_count":    info.FeatureCount,
		"schema_source":    info.SchemaSource,
		"protein_mappings": info.ProteinMappings,
		"history_enabled":  s.history != nil,
	}
	if s.feed != nil {
		resp["feed_clients"] = s.feed.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePredictCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, err)
			return
		}
		badRequest(w, "invalid_upload", fmt.Sprintf("expected a multipart form with a \"file\" field: %v", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "invalid_upload", "missing \"file\" field")
		return
	}
	defer file.Close()

	if err := ingest.CheckFilename(header.Filename); err != nil {
		s.writeError(w, err)
		return
	}

	table, err := ingest.ReadCSV(file)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.svc.ScoreBatch(table)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := BatchResponse{Success: true, BatchResult: res}
	if s.history != nil {
		rec, err := s.history.Save(storage.NewRecord(header.Filename, res))
		if err != nil {
			log.Warn().Err(err).Str("file", header.Filename).Msg("Failed to save prediction history")
		} else {
			resp.ID = rec.ID
			if s.metrics != nil {
				s.metrics.HistoryWrites().Inc()
			}
		}
	}
	if s.feed != nil {
		s.feed.Publish(feed.Event{
			Type:     feed.EventBatchScored,
			BatchID:  resp.ID,
			Filename: header.Filename,
			Summary:  res.Summary,
		})
	}

	log.Info().
		Str("file", header.Filename).
		Int("subjects", res.Summary.TotalSubjects).
		Int("positive", res.Summary.Positive).
		Str("strategy", res.Strategy).
		Msg("Batch scored")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	var req PredictRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		badRequest(w, "invalid_request", fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	values := make(map[string]string, len(req.Features))
	for k, v := range req.Features {
		values[k] = v.String()
	}

	subject, err := s.svc.ScoreValues(values)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PredictResponse{Success: true, Subject: subject})
}

func (s *Server) handleRequiredFeatures(w http.ResponseWriter, r *http.Request) {
	ids := s.svc.Schema()
	imps := s.svc.Importances()
	resp := RequiredFeaturesResponse{
		FeatureCount: len(ids),
		SchemaSource: s.svc.Info().SchemaSource,
		Features:     make([]RequiredFeature, len(ids)),
	}
	for j, id := range ids {
		resp.Features[j] = RequiredFeature{Feature: id, ProteinName: s.svc.ProteinName(id), Importance: imps[j]}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSampleData(w http.ResponseWriter, r *http.Request) {
	pairs := s.svc.SampleRow()
	header := make([]string, len(pairs))
	row := make([]string, len(pairs))
	for i, p := range pairs {
		header[i] = p.Name
		row[i] = p.Value
	}
	writeJSON(w, http.StatusOK, SampleDataResponse{
		Features: pairs,
		CSV:      strings.Join(header, ",") + "\n" + strings.Join(row, ",") + "\n",
	})
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Drift())
}

// intParam reads an optional integer query parameter within [min, max].
func intParam(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", name, min, max)
	}
	return n, nil
}

func (s *Server) handleImportance(w http.ResponseWriter, r *http.Request) {
	topN, err := intParam(r, "top_n", common.DefaultImportanceTopN, 1, common.MaxImportanceTopN)
	if err != nil {
		badRequest(w, "invalid_request", err.Error())
		return
	}

	ranked, err := s.svc.GlobalFeatureImportance(topN)
	if err != nil {
		s.writeError(w, err)
		return
	}

	top := 0.0
	if len(ranked) > 0 {
		top = ranked[0].Importance
	}
	resp := ImportanceResponse{
		TotalFeatures: len(s.svc.Schema()),
		TopN:          len(ranked),
		Features:      make([]ImportanceEntry, len(ranked)),
	}
	for i, b := range ranked {
		resp.Features[i] = ImportanceEntry{BiomarkerImportance: b}
		if top > 0 {
			resp.Features[i].Normalized = b.Importance / top
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBiomarkers(w http.ResponseWriter, r *http.Request) {
	ranked, err := s.svc.GlobalFeatureImportance(biomarkerListSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]Biomarker, len(ranked))
	for i, b := range ranked {
		out[i] = Biomarker{BiomarkerImportance: b}
		if c, ok := features.LookupCategory(b.Category); ok {
			out[i].Description = c.Description
			out[i].Color = c.Color
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"biomarkers": out,
		"total":      len(out),
	})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"categories": features.Categories,
	})
}

func (s *Server) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "history_disabled", Detail: "prediction history is not configured"})
		return
	}
	limit, err := intParam(r, "limit", common.DefaultHistoryLimit, 1, common.MaxHistoryLimit)
	if err != nil {
		badRequest(w, "invalid_request", err.Error())
		return
	}
	recs, err := s.history.List(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"predictions": recs,
		"count":       len(recs),
	})
}

func (s *Server) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "history_disabled", Detail: "prediction history is not configured"})
		return
	}
	id := mux.Vars(r)["id"]
	rec, err := s.history.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not_found", Detail: fmt.Sprintf("prediction %s not found", id)})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
