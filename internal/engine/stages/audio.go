package stages

import (
	"context"
	"strings"

	"ytscribe/internal/engine"
)

// AudioTranscription is the last-resort stage: pull the entity's audio
// through the proxy and run speech-to-text. Slow and costly, so it only ever
// runs after everything cheaper has failed.
func AudioTranscription(tr engine.AudioTranscriber) engine.Stage {
	return engine.Stage{
		ID: engine.StageAudio,
		Run: func(ctx context.Context, req engine.StageRequest) (string, error) {
			text, err := tr.Transcribe(ctx, req.EntityID, req.JobID, req.ProxyURL)
			if err != nil {
				return "", engine.TransportError("audio transcription", err)
			}
			text = strings.TrimSpace(text)
			if text == "" {
				return "", engine.ContentError(engine.VerdictEmptyBody)
			}
			return text, nil
		},
	}
}
