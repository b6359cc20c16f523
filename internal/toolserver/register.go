// Package toolserver exposes the transcript engine over MCP: transcript
// extraction, the engine health surface, and the per-entity attempt history.
package toolserver

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"ytscribe/internal/engine"
)

type TranscriptGetInput struct {
	Video string `json:"video" jsonschema:"YouTube video URL or bare 11-char video ID"`
	JobID string `json:"job_id,omitempty" jsonschema:"Optional caller job id recorded in the attempt history"`
}

type TranscriptGetOutput struct {
	VideoID string `json:"video_id"`
	engine.Result
}

type HistoryInput struct {
	Video string `json:"video,omitempty" jsonschema:"Optional video URL or ID to filter by"`
	Limit int    `json:"limit,omitempty" jsonschema:"Max rows to return (default 20)"`
}

type HistoryOutput struct {
	Attempts []engine.Attempt `json:"attempts"`
}

// RegisterTools registers transcript_get, engine_health, and
// transcript_history on the given MCP server.
func RegisterTools(server *mcp.Server, orch *engine.Orchestrator) {
	registerTranscriptGet(server, orch)
	registerEngineHealth(server, orch)
	registerTranscriptHistory(server)
}

func registerTranscriptGet(server *mcp.Server, orch *engine.Orchestrator) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "transcript_get",
		Description: "Extract the transcript of a YouTube video. Runs a fallback chain (native transcript API, structured player endpoint, browser capture, audio transcription) through the configured residential proxy. Returns the transcript plus a per-stage failure summary when extraction degrades.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input TranscriptGetInput) (*mcp.CallToolResult, TranscriptGetOutput, error) {
		videoID := ExtractVideoID(input.Video)
		if videoID == "" {
			return nil, TranscriptGetOutput{}, errors.New("video must be a YouTube URL or an 11-char video id")
		}

		res := orch.Run(ctx, videoID, input.JobID)
		return nil, TranscriptGetOutput{VideoID: videoID, Result: res}, nil
	})
}

func registerEngineHealth(server *mcp.Server, orch *engine.Orchestrator) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "engine_health",
		Description: "Report engine health: proxy status (masked), preflight cache hit rate, per-stage circuit breaker states, active sticky sessions, and the last attempt outcome. Never exposes credentials or raw errors.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, engine.HealthSnapshot, error) {
		return nil, orch.Health(), nil
	})
}

func registerTranscriptHistory(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "transcript_history",
		Description: "List recent transcript extraction attempts from the local history (SQLite): winning stage, outcome code, and duration per run. Optionally filtered to one video.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, HistoryOutput, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 20
		}
		entityID := ""
		if input.Video != "" {
			entityID = ExtractVideoID(input.Video)
			if entityID == "" {
				return nil, HistoryOutput{}, errors.New("video must be a YouTube URL or an 11-char video id")
			}
		}
		attempts, err := engine.ListAttempts(ctx, entityID, limit)
		if err != nil {
			return nil, HistoryOutput{}, err
		}
		return nil, HistoryOutput{Attempts: attempts}, nil
	})
}

var (
	videoIDRE   = regexp.MustCompile(`(?:youtube\.com/(?:watch\?(?:.*&)?v=|shorts/|embed/|live/)|youtu\.be/)([a-zA-Z0-9_-]{11})`)
	bareVideoID = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)
)

// ExtractVideoID pulls the 11-char video ID from any YouTube URL format, or
// accepts a bare ID as-is.
func ExtractVideoID(raw string) string {
	raw = strings.TrimSpace(raw)
	if bareVideoID.MatchString(raw) {
		return raw
	}
	if m := videoIDRE.FindStringSubmatch(raw); len(m) >= 2 {
		return m[1]
	}
	return ""
}
