package tts

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"google.golang.org/genai"
)

func TestMockSynthProducesAlignedPCM(t *testing.T) {
	audio, err := NewMockSynth(24000, 1).Synthesize(context.Background(), Request{Text: "hello", Voice: "Kore"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(audio.PCM) == 0 || len(audio.PCM)%2 != 0 {
		t.Fatalf("unexpected pcm length %d", len(audio.PCM))
	}
	if audio.SampleRate != 24000 || audio.Channels != 1 {
		t.Fatalf("unexpected format %d/%d", audio.SampleRate, audio.Channels)
	}
}

func TestMockSynthHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockSynth(24000, 1).Synthesize(ctx, Request{Text: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExecSynthCollectsChunks(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	// AAA= and AQA= are two 2-byte PCM samples.
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; echo "{\"pcm_base64\":\"AAA=\"}"; echo "{\"pcm_base64\":\"AQA=\",\"final\":true}"'`, 24000, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	audio, err := synth.Synthesize(context.Background(), Request{Text: "hi", Voice: "Kore"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(audio.PCM) != 4 || audio.PCM[2] != 1 {
		t.Fatalf("unexpected pcm %v", audio.PCM)
	}
}

func TestExecSynthFailsWithoutAudio(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null'`, 24000, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	if _, err := synth.Synthesize(context.Background(), Request{Text: "hi"}); !errors.Is(err, ErrSynthesis) {
		t.Fatalf("expected ErrSynthesis, got %v", err)
	}
}

func TestNewExecSynthRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("", 24000, 1); err == nil {
		t.Fatalf("expected error")
	}
}

func TestInlineAudioConcatenatesParts(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{InlineData: &genai.Blob{Data: []byte{1, 2}}},
				{Text: "ignored"},
				{InlineData: &genai.Blob{Data: []byte{3, 4}}},
			}},
		}},
	}
	got := inlineAudio(resp)
	if string(got) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected audio %v", got)
	}
	if inlineAudio(nil) != nil {
		t.Fatalf("expected nil for nil response")
	}
}
