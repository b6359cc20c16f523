package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"ytscribe/internal/engine"
)

// ASRService calls an external speech-to-text service that downloads the
// entity's audio through the proxy and transcribes it. One call can take
// minutes, so it rides the stage timeout rather than a client timeout.
type ASRService struct {
	URL    string
	APIKey string

	client *http.Client
}

func NewASRService(url, apiKey string) *ASRService {
	return &ASRService{
		URL:    url,
		APIKey: apiKey,
		client: &http.Client{}, // no client timeout, ctx bounds the call
	}
}

type transcribeReq struct {
	EntityID string `json:"entity_id"`
	JobID    string `json:"job_id,omitempty"`
	Proxy    string `json:"proxy,omitempty"`
}

type transcribeResp struct {
	Text string `json:"text"`
}

func (s *ASRService) Transcribe(ctx context.Context, entityID, jobID, proxyEndpoint string) (string, error) {
	body, err := json.Marshal(transcribeReq{
		EntityID: entityID,
		JobID:    jobID,
		Proxy:    proxyEndpoint,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL+"/transcribe", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("asr service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("asr service: status %d", resp.StatusCode)
	}

	var out transcribeResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("asr service: decode: %w", err)
	}
	return out.Text, nil
}

var _ engine.BrowserCapturer = (*BrowserService)(nil)
var _ engine.AudioTranscriber = (*ASRService)(nil)
