package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"ytscribe/internal/engine"
)

// Structured is the second stage: the ANDROID Innertube /player endpoint.
// The mobile client surfaces caption tracks without the PoToken dance the
// web player requires, and the timedtext URLs it hands out are plain GETs.
func Structured() engine.Stage {
	return engine.Stage{ID: engine.StageStructured, Run: runStructured}
}

func runStructured(ctx context.Context, req engine.StageRequest) (string, error) {
	client := engine.Cfg.HTTPClient
	if req.ProxyURL != "" {
		var err error
		client, err = engine.ProxyHTTPClient(req.ProxyURL, engine.Cfg.StageTimeout)
		if err != nil {
			return "", engine.TransportError("proxy client", err)
		}
	}

	tracks, err := fetchCaptionTracks(ctx, client, req.EntityID)
	if err != nil {
		return "", err
	}
	if len(tracks) == 0 {
		return "", engine.ContentError(engine.VerdictEmptyBody)
	}

	track, ok := pickBestTrack(tracks, req.Langs)
	if !ok {
		return "", engine.ContentError(engine.VerdictNotXMLFormat)
	}
	return fetchTimedText(ctx, client, track.BaseURL)
}

// fetchCaptionTracks calls /player with the ANDROID client identity and
// returns the raw caption track list.
func fetchCaptionTracks(ctx context.Context, client *http.Client, videoID string) ([]captionTrack, error) {
	reqBody, err := json.Marshal(playerReq{
		VideoID: videoID,
		Context: clientCtx{
			Client: clientInfo{
				ClientName:        "ANDROID",
				ClientVersion:     androidClientVersion,
				AndroidSdkVersion: 30,
				Hl:                "en",
				Gl:                "US",
			},
		},
		RacyCheckOk:    true,
		ContentCheckOk: true,
	})
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"Content-Type":             "application/json",
		"User-Agent":               androidUserAgent,
		"X-Youtube-Client-Name":    "3",
		"X-Youtube-Client-Version": androidClientVersion,
	}
	resp, err := engine.DoWithBackoff(ctx, client, http.MethodPost, innertubePlayerURL+"?prettyPrint=false", headers, reqBody)
	if err != nil {
		return nil, proxyAwareTransportError("android player", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusProxyAuthRequired || resp.StatusCode == http.StatusUnauthorized {
		return nil, engine.AuthError(fmt.Sprintf("android player: status %d", resp.StatusCode))
	}
	if !engine.HTTPStatusOK(resp.StatusCode) {
		return nil, engine.TransportError(fmt.Sprintf("android player: status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 3*1024*1024))
	if err != nil {
		return nil, engine.TransportError("read player response", err)
	}
	if v := engine.Classify(string(body), resp.StatusCode, resp.Header.Get("Content-Type")); v != engine.VerdictValid {
		return nil, engine.BlockedContentError(v, string(body))
	}

	var player playerResp
	if err := json.Unmarshal(body, &player); err != nil {
		return nil, engine.ContentError(engine.VerdictXMLParseError)
	}
	if player.Captions == nil {
		// Unplayable or caption-less entity. The reason string is log-only.
		if player.PlayabilityStatus != nil && player.PlayabilityStatus.Reason != "" {
			slog.Debug("structured: captions unavailable",
				slog.String("reason", player.PlayabilityStatus.Reason))
		}
		return nil, engine.ContentError(engine.VerdictEmptyBody)
	}
	return player.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks, nil
}

// fetchTimedText fetches and flattens a timedtext XML caption URL.
func fetchTimedText(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	resp, err := engine.FetchWithBackoff(ctx, client, baseURL, engine.ChromeHeaders())
	if err != nil {
		return "", proxyAwareTransportError("timedtext", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusProxyAuthRequired || resp.StatusCode == http.StatusUnauthorized {
		return "", engine.AuthError(fmt.Sprintf("timedtext: status %d", resp.StatusCode))
	}
	if !engine.HTTPStatusOK(resp.StatusCode) {
		return "", engine.TransportError(fmt.Sprintf("timedtext: status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return "", engine.TransportError("read timedtext", err)
	}
	if v := engine.Classify(string(body), resp.StatusCode, resp.Header.Get("Content-Type")); v != engine.VerdictValid {
		return "", engine.BlockedContentError(v, string(body))
	}

	text, err := parseTimedText(body)
	if err != nil {
		return "", engine.ContentError(engine.VerdictXMLParseError)
	}
	if text == "" {
		return "", engine.ContentError(engine.VerdictEmptyBody)
	}
	return text, nil
}

// proxyAwareTransportError maps stdlib transport failures onto the error
// taxonomy. The stdlib surfaces gateway auth rejections on CONNECT as plain
// errors, so the 407 has to be sniffed out of the message.
func proxyAwareTransportError(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "407") || strings.Contains(msg, "Proxy Authentication Required") {
		return engine.AuthError(op + ": proxy authentication required")
	}
	return engine.TransportError(op, err)
}
