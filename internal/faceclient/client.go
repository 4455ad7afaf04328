// Package faceclient calls the face service that scores how alike a
// guardian's profile photo and the student's photo look. The score is only
// a hint on the review screen; staff make the decision.
package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrDisabled is returned by a client built with skip set. There is no score
// to show, which is different from a service failure.
var ErrDisabled = errors.New("face comparison disabled")

// CompareResult is the service's verdict on one photo pair.
type CompareResult struct {
	Similarity float64 `json:"similarity"`
	Match      bool    `json:"match"`
	Threshold  float64 `json:"threshold"`
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. The review screen waits on it, so the timeout is short.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 3 * time.Second,
		},
	}
}

// Compare scores the guardian photo against the student photo. A disabled
// client returns ErrDisabled and never invents a score.
func (c *Client) Compare(ctx context.Context, guardianPhoto, studentPhoto string) (*CompareResult, error) {
	if c.Skip {
		return nil, ErrDisabled
	}
	if guardianPhoto == "" || studentPhoto == "" {
		return nil, fmt.Errorf("face hint needs both photos")
	}

	body, _ := json.Marshal(map[string]string{
		"image_url_1": guardianPhoto,
		"image_url_2": studentPhoto,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/compare", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face hint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("face hint: service answered %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out CompareResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("face hint: decode verdict: %w", err)
	}
	return &out, nil
}

// Health reports whether reviews will get a face hint.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return ErrDisabled
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face hint service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face hint service unhealthy: %s", resp.Status)
	}
	return nil
}
