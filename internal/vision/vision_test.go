package vision

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"
)

func TestParseDataURL(t *testing.T) {
	img, err := ParseDataURL("data:image/png;base64,aGVsbG8=")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if img.MIMEType != "image/png" || string(img.Data) != "hello" {
		t.Fatalf("unexpected image %+v", img)
	}
	if got := img.DataURL(); got != "data:image/png;base64,aGVsbG8=" {
		t.Fatalf("unexpected data url %q", got)
	}
}

func TestParseDataURLDefaultsToJPEG(t *testing.T) {
	img, err := ParseDataURL("aGVsbG8=")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if img.MIMEType != DefaultMIMEType {
		t.Fatalf("expected %s, got %s", DefaultMIMEType, img.MIMEType)
	}
	img, err = ParseDataURL("data:;base64,aGVsbG8=")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if img.MIMEType != DefaultMIMEType {
		t.Fatalf("expected default mime type, got %s", img.MIMEType)
	}
}

func TestParseDataURLRejectsMalformed(t *testing.T) {
	for _, in := range []string{"data:image/png,abc", "data:image/png;base64", "!!!", ""} {
		if _, err := ParseDataURL(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestParseAnalysis(t *testing.T) {
	res, err := parseAnalysis(`{"summary":"A red bicycle.","details":["steel frame","bell"]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Summary != "A red bicycle." || len(res.Details) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = parseAnalysis(`{"summary":"Only a summary."}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Details == nil {
		t.Fatalf("expected empty details slice, got nil")
	}
}

func TestParseAnalysisErrors(t *testing.T) {
	for _, in := range []string{"", "not json", `{"details":["x"]}`} {
		if _, err := parseAnalysis(in); !errors.Is(err, ErrAnalysis) {
			t.Fatalf("expected ErrAnalysis for %q, got %v", in, err)
		}
	}
}

func TestCitationsFromGrounding(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			GroundingMetadata: &genai.GroundingMetadata{
				GroundingChunks: []*genai.GroundingChunk{
					{Web: &genai.GroundingChunkWeb{Title: "Eiffel Tower", URI: "https://example.org/eiffel"}},
					{},
					{Web: &genai.GroundingChunkWeb{Title: "Paris", URI: "https://example.org/paris"}},
				},
			},
		}},
	}
	got := citations(resp)
	if len(got) != 2 || got[0].Title != "Eiffel Tower" || got[1].URI != "https://example.org/paris" {
		t.Fatalf("unexpected citations %+v", got)
	}
	if citations(&genai.GenerateContentResponse{}) != nil {
		t.Fatalf("expected no citations without candidates")
	}
}

func TestMockAnalyzer(t *testing.T) {
	res, err := NewMockAnalyzer().Analyze(context.Background(), Image{MIMEType: "image/jpeg", Data: []byte{1}}, "English")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Summary == "" {
		t.Fatalf("expected summary")
	}
	if _, err := NewMockAnalyzer().Analyze(context.Background(), Image{}, "English"); !errors.Is(err, ErrAnalysis) {
		t.Fatalf("expected ErrAnalysis for empty image, got %v", err)
	}
}
