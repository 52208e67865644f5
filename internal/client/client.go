// Package client talks to a running riskd instance over its HTTP API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"biomarker-risk/internal/ml"
	"biomarker-risk/internal/server"
)

// APIError is a non-2xx response from the service. It unwraps to the
// matching pipeline sentinel so errors.Is works across the wire.
type APIError struct {
	Status int
	Kind   string
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("riskd: %d %s: %s", e.Status, e.Kind, e.Detail)
}

func (e *APIError) Unwrap() error {
	switch e.Kind {
	case ml.KindArtifactLoad:
		return ml.ErrArtifactLoad
	case ml.KindSchemaMismatch:
		return ml.ErrSchemaMismatch
	case ml.KindInvalidFeatureValue:
		return ml.ErrInvalidFeatureValue
	case ml.KindEmptyInput:
		return ml.ErrEmptyInput
	case ml.KindInternalScoring:
		return ml.ErrInternalScoring
	}
	return nil
}

type Client struct {
	base string
	rest *resty.Client
}

func New(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(30 * time.Second)
	}
	r.SetHeader("Accept", "application/json")
	return &Client{base: base, rest: r}
}

func (c *Client) check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode(), Kind: "unknown", Detail: resp.Status()}
	var body server.ErrorResponse
	if json.Unmarshal(resp.Body(), &body) == nil && body.Error != "" {
		apiErr.Kind = body.Error
		apiErr.Detail = body.Detail
	}
	return apiErr
}

// ScoreCSV uploads a CSV table for batch scoring.
func (c *Client) ScoreCSV(ctx context.Context, filename string, r io.Reader) (*server.BatchResponse, error) {
	out := &server.BatchResponse{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetFileReader("file", filename, r).
		SetResult(out).
		Post(c.base + "/api/v1/model/predict-csv")
	if err := c.check(resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// ScoreFile uploads the CSV at path.
func (c *Client) ScoreFile(ctx context.Context, path string) (*server.BatchResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.ScoreCSV(ctx, filepath.Base(path), f)
}

// Predict scores a single subject.
func (c *Client) Predict(ctx context.Context, values map[string]float64) (*server.PredictResponse, error) {
	out := &server.PredictResponse{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"features": values}).
		SetResult(out).
		Post(c.base + "/api/v1/model/predict")
	if err := c.check(resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// Importance fetches the top n biomarkers by global importance.
func (c *Client) Importance(ctx context.Context, topN int) (*server.ImportanceResponse, error) {
	out := &server.ImportanceResponse{}
	req := c.rest.R().SetContext(ctx).SetResult(out)
	if topN > 0 {
		req.SetQueryParam("top_n", strconv.Itoa(topN))
	}
	resp, err := req.Get(c.base + "/api/v1/features/importance")
	if err := c.check(resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// RequiredFeatures fetches the ordered feature schema.
func (c *Client) RequiredFeatures(ctx context.Context) (*server.RequiredFeaturesResponse, error) {
	out := &server.RequiredFeaturesResponse{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(out).
		Get(c.base + "/api/v1/model/required-features")
	if err := c.check(resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// Health returns the decoded health document.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&out).
		Get(c.base + "/health")
	if err := c.check(resp, err); err != nil {
		return nil, err
	}
	return out, nil
}
