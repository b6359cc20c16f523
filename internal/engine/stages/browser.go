package stages

import (
	"context"

	"ytscribe/internal/engine"
)

// BrowserCapture wraps the external headless-browser collaborator as the
// third stage. The engine never sees DOM details — only the raw captured
// payload, which goes through the same classifier as every other body.
func BrowserCapture(cap engine.BrowserCapturer) engine.Stage {
	return engine.Stage{
		ID: engine.StageBrowser,
		Run: func(ctx context.Context, req engine.StageRequest) (string, error) {
			data, err := cap.Capture(ctx, req.EntityID, req.JobID, req.ProxyURL, req.Cookies)
			if err != nil {
				return "", engine.TransportError("browser capture", err)
			}
			body := string(data)
			if v := engine.Classify(body, 200, ""); v != engine.VerdictValid {
				return "", engine.BlockedContentError(v, body)
			}
			text, err := parseTimedText(data)
			if err != nil {
				return "", engine.ContentError(engine.VerdictXMLParseError)
			}
			return text, nil
		},
	}
}
