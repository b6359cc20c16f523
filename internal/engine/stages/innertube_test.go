package stages

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestExtractTranscriptToken(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{
			name: "plain token",
			data: `{"engagementPanels":[{"getTranscriptEndpoint":{"params":"CgNhc3ISAmVu"}}]}`,
			want: "CgNhc3ISAmVu",
		},
		{
			name: "url-encoded token is decoded",
			data: `{"getTranscriptEndpoint":{"params":"Cg%3D%3D"}}`,
			want: "Cg==",
		},
		{
			name:    "missing endpoint",
			data:    `{"engagementPanels":[]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractTranscriptToken([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("extractTranscriptToken(%q) expected error, got %q", tt.data, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("extractTranscriptToken: %v", err)
			}
			if got != tt.want {
				t.Errorf("extractTranscriptToken = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTranscriptSegments(t *testing.T) {
	raw := `{
		"actions": [{
			"updateEngagementPanelAction": {
				"content": {"transcriptRenderer": {"content": {"transcriptSearchPanelRenderer": {"body": {
					"transcriptSegmentListRenderer": {"initialSegments": [
						{"transcriptSegmentRenderer": {"snippet": {"runs": [{"text": "hello"}, {"text": "world"}]}}},
						{"transcriptSegmentRenderer": {"snippet": {"runs": [{"text": "again"}]}}},
						{}
					]}
				}}}}}
			}
		}, {}]
	}`
	var resp getTranscriptResp
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	got := parseTranscriptSegments(resp)
	if got != "hello world again" {
		t.Errorf("parseTranscriptSegments = %q, want %q", got, "hello world again")
	}
}

func TestPickBestTrack(t *testing.T) {
	manualEN := captionTrack{BaseURL: "https://t/en", LanguageCode: "en"}
	asrEN := captionTrack{BaseURL: "https://t/en-asr", LanguageCode: "en", Kind: "asr"}
	manualDE := captionTrack{BaseURL: "https://t/de", LanguageCode: "de"}
	manualENGB := captionTrack{BaseURL: "https://t/en-GB", LanguageCode: "en-GB"}
	poToken := captionTrack{BaseURL: "https://t/en?x=1&exp=xpe", LanguageCode: "en"}

	tests := []struct {
		name   string
		tracks []captionTrack
		langs  []string
		want   string
		wantOK bool
	}{
		{"manual beats asr in same language", []captionTrack{asrEN, manualEN}, []string{"en"}, manualEN.BaseURL, true},
		{"asr when no manual", []captionTrack{asrEN, manualDE}, []string{"en"}, asrEN.BaseURL, true},
		{"first preferred language wins", []captionTrack{manualEN, manualDE}, []string{"de", "en"}, manualDE.BaseURL, true},
		{"english prefix fallback", []captionTrack{manualDE, manualENGB}, []string{"fr"}, manualENGB.BaseURL, true},
		{"any usable as last resort", []captionTrack{manualDE}, []string{"fr"}, manualDE.BaseURL, true},
		{"potoken tracks skipped", []captionTrack{poToken, asrEN}, []string{"en"}, asrEN.BaseURL, true},
		{"all tracks need potoken", []captionTrack{poToken}, []string{"en"}, poToken.BaseURL, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pickBestTrack(tt.tracks, tt.langs)
			if ok != tt.wantOK {
				t.Fatalf("pickBestTrack ok = %v, want %v", ok, tt.wantOK)
			}
			if got.BaseURL != tt.want {
				t.Errorf("pickBestTrack = %q, want %q", got.BaseURL, tt.want)
			}
		})
	}
}

func TestParseTimedText(t *testing.T) {
	body := `<?xml version="1.0" encoding="utf-8"?>
<transcript>
  <text start="0.0" dur="1.4">hello &amp;amp; welcome</text>
  <text start="1.4" dur="2.0">to &lt;i&gt;the show&lt;/i&gt;</text>
  <text start="3.4" dur="0.5">   </text>
</transcript>`

	got, err := parseTimedText([]byte(body))
	if err != nil {
		t.Fatalf("parseTimedText: %v", err)
	}
	want := "hello & welcome to the show"
	if got != want {
		t.Errorf("parseTimedText = %q, want %q", got, want)
	}
}

func TestParseTimedTextMalformed(t *testing.T) {
	if _, err := parseTimedText([]byte(`<transcript><text>unclosed`)); err == nil {
		t.Error("parseTimedText accepted malformed XML")
	}
}

func TestGenerateVisitorData(t *testing.T) {
	seen := map[string]bool{}
	for range 50 {
		v := generateVisitorData()
		if len(v) != 11 {
			t.Fatalf("visitor data length = %d, want 11", len(v))
		}
		if strings.ContainsAny(v, " \t\n") {
			t.Fatalf("visitor data contains whitespace: %q", v)
		}
		seen[v] = true
	}
	if len(seen) < 2 {
		t.Error("visitor data never varies")
	}
}
