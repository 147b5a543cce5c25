// Package faceclient calls the face recognition microservice that turns
// check-in photos into embeddings.
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

var (
	// ErrNoFace is returned when the service finds no face in the image.
	ErrNoFace = errors.New("no face detected in image")
	// ErrDisabled is returned by a client built in skip mode. It never
	// produces embeddings or scores.
	ErrDisabled = errors.New("face service disabled")
)

// FaceQuality contains face quality metrics.
type FaceQuality struct {
	Score     float64 `json:"score"`
	Blur      float64 `json:"blur"`
	PoseYaw   float64 `json:"pose_yaw"`
	PosePitch float64 `json:"pose_pitch"`
	PoseRoll  float64 `json:"pose_roll"`
	FaceSize  int     `json:"face_size"`
	IsFrontal bool    `json:"is_frontal"`
}

// EmbedResult contains the face embedding and detection confidence.
type EmbedResult struct {
	Embedding     []float64
	Score         float64
	FacesDetected int
	Quality       *FaceQuality
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

// Embed requests an embedding for an image URL.
func (c *Client) Embed(ctx context.Context, imageURL string) ([]float64, error) {
	result, err := c.EmbedWithScore(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	return result.Embedding, nil
}

// EmbedWithScore requests an embedding and returns full result including score.
func (c *Client) EmbedWithScore(ctx context.Context, imageURL string) (*EmbedResult, error) {
	if c.Skip {
		return nil, ErrDisabled
	}
	if imageURL == "" {
		return nil, fmt.Errorf("image url required")
	}

	// the service emits float32; decoding straight into float64 widens exactly
	var out struct {
		Embedding     []float64    `json:"embedding"`
		Score         float64      `json:"score"`
		FacesDetected int          `json:"faces_detected"`
		Quality       *FaceQuality `json:"quality"`
	}
	if err := c.post(ctx, "/embed", map[string]string{"image_url": imageURL}, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, ErrNoFace
	}

	return &EmbedResult{
		Embedding:     out.Embedding,
		Score:         out.Score,
		FacesDetected: out.FacesDetected,
		Quality:       out.Quality,
	}, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
