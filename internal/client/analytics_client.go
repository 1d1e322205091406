package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"traffic-console/internal/calibration"
	"traffic-console/internal/config"
)

// OfferRequest carries the local session description to the backend.
// The full ICE candidate set must already be embedded in SDP; the
// exchange is a single round trip with no trickle channel.
type OfferRequest struct {
	SDP           string   `json:"sdp"`
	Type          string   `json:"type"`
	VideoSource   string   `json:"video_source"`
	TargetClasses []string `json:"target_classes"`
}

type OfferAnswer struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type ModuleToggles struct {
	Speed bool `json:"speed"`
	Turn  bool `json:"turn"`
	Plate bool `json:"plate"`
}

type ModulesConfig struct {
	Modules        ModuleToggles `json:"modules"`
	PlateTrigger   string        `json:"plate_trigger"`
	SpeedThreshold float64       `json:"speed_threshold"`
}

type VideosResponse struct {
	Videos []string `json:"videos"`
}

// AnalyticsClient talks to the traffic-analytics backend: session
// negotiation, calibration config, video catalog and playback control.
type AnalyticsClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewAnalyticsClient(cfg *config.Config) *AnalyticsClient {
	return &AnalyticsClient{
		baseURL: cfg.Backend.URL,
		httpClient: &http.Client{
			Timeout: cfg.Backend.Timeout,
		},
	}
}

func (c *AnalyticsClient) getJSON(ctx context.Context, path string, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("backend URL is not configured")
	}

	var lastErr error
	maxRetries := 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(body))
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to execute request after %d attempts: %w", maxRetries, lastErr)
}

func (c *AnalyticsClient) postJSON(ctx context.Context, path string, in, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("backend URL is not configured")
	}

	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// SendOffer performs the single offer/answer round trip. It is never
// retried: a duplicate exchange would race a second session into
// existence on the backend.
func (c *AnalyticsClient) SendOffer(ctx context.Context, offer OfferRequest) (*OfferAnswer, error) {
	var answer OfferAnswer
	if err := c.postJSON(ctx, "/api/offer", offer, &answer); err != nil {
		return nil, err
	}
	if answer.SDP == "" || answer.Type == "" {
		return nil, fmt.Errorf("malformed answer from backend")
	}
	return &answer, nil
}

func (c *AnalyticsClient) FetchLanes(ctx context.Context) (calibration.LanesPayload, error) {
	var p calibration.LanesPayload
	err := c.getJSON(ctx, "/api/config/lanes", &p)
	return p, err
}

func (c *AnalyticsClient) StoreLanes(ctx context.Context, p calibration.LanesPayload) error {
	return c.postJSON(ctx, "/api/config/lanes", p, nil)
}

func (c *AnalyticsClient) FetchZones(ctx context.Context) (calibration.ZonesPayload, error) {
	var p calibration.ZonesPayload
	err := c.getJSON(ctx, "/api/config/zones", &p)
	return p, err
}

func (c *AnalyticsClient) StoreZones(ctx context.Context, p calibration.ZonesPayload) error {
	return c.postJSON(ctx, "/api/config/zones", p, nil)
}

func (c *AnalyticsClient) FetchPlateLine(ctx context.Context) (calibration.PlateLinePayload, error) {
	var p calibration.PlateLinePayload
	err := c.getJSON(ctx, "/api/config/plate_line", &p)
	return p, err
}

func (c *AnalyticsClient) StorePlateLine(ctx context.Context, p calibration.PlateLinePayload) error {
	return c.postJSON(ctx, "/api/config/plate_line", p, nil)
}

// FetchLegacyConfig reads the old single-zone endpoint. The payload
// shape is detected downstream; this endpoint is read-compatible only.
func (c *AnalyticsClient) FetchLegacyConfig(ctx context.Context) (calibration.LegacyPayload, error) {
	var p calibration.LegacyPayload
	err := c.getJSON(ctx, "/api/config/lines", &p)
	return p, err
}

func (c *AnalyticsClient) FetchModules(ctx context.Context) (ModulesConfig, error) {
	var m ModulesConfig
	err := c.getJSON(ctx, "/api/config/modules", &m)
	return m, err
}

func (c *AnalyticsClient) StoreModules(ctx context.Context, m ModulesConfig) error {
	return c.postJSON(ctx, "/api/config/modules", m, nil)
}

func (c *AnalyticsClient) ListVideos(ctx context.Context) ([]string, error) {
	var v VideosResponse
	if err := c.getJSON(ctx, "/api/videos", &v); err != nil {
		return nil, err
	}
	return v.Videos, nil
}

// UploadVideo streams a multipart upload body straight through to the
// backend without buffering it.
func (c *AnalyticsClient) UploadVideo(ctx context.Context, contentType string, body io.Reader) error {
	if c.baseURL == "" {
		return fmt.Errorf("backend URL is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/videos/upload", body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(data))
	}
	return nil
}

// Preview fetches the static poster frame for a video source. The
// caller owns the returned body.
func (c *AnalyticsClient) Preview(ctx context.Context, videoSource string) (io.ReadCloser, string, error) {
	if c.baseURL == "" {
		return nil, "", fmt.Errorf("backend URL is not configured")
	}

	u, err := url.Parse(c.baseURL + "/api/video_preview")
	if err != nil {
		return nil, "", fmt.Errorf("invalid backend URL: %w", err)
	}
	q := u.Query()
	q.Set("video_source", videoSource)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to execute request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, "", fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(data))
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// Pause and Resume are fire-and-forget playback controls.
func (c *AnalyticsClient) Pause(ctx context.Context) error {
	return c.postJSON(ctx, "/api/control/pause", nil, nil)
}

func (c *AnalyticsClient) Resume(ctx context.Context) error {
	return c.postJSON(ctx, "/api/control/resume", nil, nil)
}
