package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const promptTemplate = "Analyze this image in extreme detail. Provide a concise summary (max 3 sentences), and a list of specific details. " +
	"Also, search Google for real-world information about any recognizable objects, landmarks, or products in the image. " +
	"IMPORTANT: Respond entirely in the language: %s. Return as JSON."

type geminiAnalyzer struct {
	client *genai.Client
	model  string
}

func NewGeminiAnalyzer(client *genai.Client, model string) Analyzer {
	return &geminiAnalyzer{client: client, model: model}
}

func analysisSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"summary": {Type: genai.TypeString},
			"details": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		},
		Required: []string{"summary", "details"},
	}
}

func (g *geminiAnalyzer) Analyze(ctx context.Context, img Image, languageName string) (Result, error) {
	if len(img.Data) == 0 {
		return Result{}, fmt.Errorf("%w: empty image", ErrAnalysis)
	}
	mime := img.MIMEType
	if mime == "" {
		mime = DefaultMIMEType
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(img.Data, mime),
			genai.NewPartFromText(fmt.Sprintf(promptTemplate, languageName)),
		}, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		Tools:            []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
		ResponseMIMEType: "application/json",
		ResponseSchema:   analysisSchema(),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrAnalysis, err)
	}
	result, err := parseAnalysis(resp.Text())
	if err != nil {
		return Result{}, err
	}
	result.Citations = citations(resp)
	return result, nil
}

func parseAnalysis(text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, fmt.Errorf("%w: empty response", ErrAnalysis)
	}
	var payload struct {
		Summary string   `json:"summary"`
		Details []string `json:"details"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrAnalysis, err)
	}
	if strings.TrimSpace(payload.Summary) == "" {
		return Result{}, fmt.Errorf("%w: response has no summary", ErrAnalysis)
	}
	if payload.Details == nil {
		payload.Details = []string{}
	}
	return Result{Summary: payload.Summary, Details: payload.Details}, nil
}

func citations(resp *genai.GenerateContentResponse) []Citation {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	meta := resp.Candidates[0].GroundingMetadata
	if meta == nil {
		return nil
	}
	var out []Citation
	for _, chunk := range meta.GroundingChunks {
		if chunk == nil || chunk.Web == nil {
			continue
		}
		out = append(out, Citation{Title: chunk.Web.Title, URI: chunk.Web.URI})
	}
	return out
}
