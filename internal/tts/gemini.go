package tts

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiSynth struct {
	client     *genai.Client
	model      string
	sampleRate int
}

// NewGeminiSynth speaks through the Gemini TTS model, which returns 24 kHz
// mono PCM.
func NewGeminiSynth(client *genai.Client, model string, sampleRate int) Synthesizer {
	return &geminiSynth{client: client, model: model, sampleRate: sampleRate}
}

func (g *geminiSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Audio{}, fmt.Errorf("%w: empty text", ErrSynthesis)
	}
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: req.Voice},
			},
		},
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Text), cfg)
	if err != nil {
		return Audio{}, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	data := inlineAudio(resp)
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("%w: response carried no audio", ErrSynthesis)
	}
	return Audio{PCM: data, SampleRate: g.sampleRate, Channels: 1}, nil
}

func inlineAudio(resp *genai.GenerateContentResponse) []byte {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return nil
	}
	var buf bytes.Buffer
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.InlineData == nil {
			continue
		}
		buf.Write(part.InlineData.Data)
	}
	return buf.Bytes()
}
