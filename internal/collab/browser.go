package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"ytscribe/internal/engine"
)

// BrowserService calls an external headless-browser capture service. The
// service loads the watch page through the given proxy, clicks the
// transcript panel open, and returns the intercepted timedtext response.
type BrowserService struct {
	URL string
}

func NewBrowserService(url string) *BrowserService {
	return &BrowserService{URL: url}
}

type captureReq struct {
	EntityID string `json:"entity_id"`
	JobID    string `json:"job_id,omitempty"`
	Proxy    string `json:"proxy,omitempty"`
	Cookies  string `json:"cookies,omitempty"`
}

func (s *BrowserService) Capture(ctx context.Context, entityID, jobID, proxyEndpoint, cookies string) ([]byte, error) {
	body, err := json.Marshal(captureReq{
		EntityID: entityID,
		JobID:    jobID,
		Proxy:    proxyEndpoint,
		Cookies:  cookies,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL+"/capture", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := engine.Cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capture service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("capture service: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 6*1024*1024))
}
