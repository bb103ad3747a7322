package vision

import (
	"context"
	"fmt"
	"time"
)

type mockAnalyzer struct{}

func NewMockAnalyzer() Analyzer { return &mockAnalyzer{} }

func (m *mockAnalyzer) Analyze(ctx context.Context, img Image, languageName string) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	if len(img.Data) == 0 {
		return Result{}, fmt.Errorf("%w: empty image", ErrAnalysis)
	}
	return Result{
		Summary: fmt.Sprintf("[mock analysis of a %d byte %s image in %s]", len(img.Data), img.MIMEType, languageName),
		Details: []string{"mock detail"},
		Citations: []Citation{
			{Title: "Example", URI: "https://example.com"},
		},
	}, nil
}
