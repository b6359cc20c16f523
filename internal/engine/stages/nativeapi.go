package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"ytscribe/internal/engine"
)

// NativeAPI is the cheapest stage: the platform's own transcript endpoints,
// called with a browser TLS fingerprint through the sticky proxy session.
//
//  1. POST /next → engagement panels carrying the transcript continuation
//     token
//  2. POST /get_transcript with the token → JSON segments
func NativeAPI() engine.Stage {
	return engine.Stage{ID: engine.StageNativeAPI, Run: runNativeAPI}
}

func runNativeAPI(ctx context.Context, req engine.StageRequest) (string, error) {
	bc, err := engine.NewBrowserClient(req.ProxyURL, int(engine.Cfg.StageTimeout.Seconds()))
	if err != nil {
		return "", engine.TransportError("browser client", err)
	}

	visitorData := generateVisitorData()

	nextData, err := postInnertubeWeb(ctx, bc, innertubeNextURL, map[string]any{
		"videoId": req.EntityID,
		"context": webContext(visitorData),
	}, visitorData, req.Cookies)
	if err != nil {
		return "", fmt.Errorf("/next: %w", err)
	}

	token, err := extractTranscriptToken(nextData)
	if err != nil {
		return "", engine.ContentError(engine.VerdictNotXMLFormat)
	}

	transcriptData, err := postInnertubeWeb(ctx, bc, innertubeGetTranscriptURL, map[string]any{
		"params": token,
		"context": map[string]any{
			"client": clientInfo{
				ClientName:    "WEB",
				ClientVersion: webClientVersion,
				VisitorData:   visitorData,
				Hl:            "en",
				Gl:            "US",
			},
		},
	}, visitorData, req.Cookies)
	if err != nil {
		return "", fmt.Errorf("/get_transcript: %w", err)
	}

	var resp getTranscriptResp
	if err := json.Unmarshal(transcriptData, &resp); err != nil {
		return "", engine.ContentError(engine.VerdictXMLParseError)
	}

	text := parseTranscriptSegments(resp)
	if text == "" {
		return "", engine.ContentError(engine.VerdictEmptyBody)
	}
	return text, nil
}

// postInnertubeWeb POSTs to an Innertube endpoint with WEB client headers
// through the fingerprinted client. Status and body are mapped onto the
// engine's error taxonomy before any parsing happens.
func postInnertubeWeb(ctx context.Context, bc *engine.BrowserClient, endpoint string, payload any, visitorData, cookies string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"Content-Type":             "application/json",
		"Accept":                   "*/*",
		"User-Agent":               engine.RandomUserAgent(),
		"X-Youtube-Client-Name":    "1",
		"X-Youtube-Client-Version": webClientVersion,
		"X-Goog-Visitor-Id":        visitorData,
		"Origin":                   "https://www.youtube.com",
		"Referer":                  "https://www.youtube.com/",
	}
	if cookies != "" {
		headers["Cookie"] = cookies
	}

	data, contentType, status, err := bc.Do(http.MethodPost, endpoint+"?prettyPrint=false", headers, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, engine.TransportError("innertube request", err)
	}
	if status == http.StatusProxyAuthRequired || status == http.StatusUnauthorized {
		return nil, engine.AuthError(fmt.Sprintf("innertube: status %d", status))
	}
	if !engine.HTTPStatusOK(status) {
		return nil, engine.TransportError(fmt.Sprintf("innertube: status %d", status), nil)
	}
	if v := engine.Classify(string(data), status, contentType); v != engine.VerdictValid {
		return nil, engine.BlockedContentError(v, string(data))
	}
	return data, nil
}
