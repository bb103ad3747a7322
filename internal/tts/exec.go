package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/loqalabs/visionvoice/internal/pcm"
	"github.com/mattn/go-shellwords"
)

// execSynth runs a helper that reads one JSON request on stdin and writes
// line-delimited JSON chunks of base64 PCM on stdout.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Audio{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Audio{}, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	if err := cmd.Start(); err != nil {
		return Audio{}, fmt.Errorf("%w: start helper: %v", ErrSynthesis, err)
	}

	var out bytes.Buffer
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return Audio{}, fmt.Errorf("%w: decode helper output: %v", ErrSynthesis, err)
		}
		chunk, err := pcm.DecodeBase64(resp.PCMBase64)
		if err != nil {
			_ = cmd.Wait()
			return Audio{}, fmt.Errorf("%w: %v", ErrSynthesis, err)
		}
		out.Write(chunk)
		if resp.Final {
			break
		}
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		return Audio{}, fmt.Errorf("%w: helper exited: %v", ErrSynthesis, err)
	}
	if scanErr != nil {
		return Audio{}, fmt.Errorf("%w: read helper output: %v", ErrSynthesis, scanErr)
	}
	if out.Len() == 0 {
		return Audio{}, fmt.Errorf("%w: helper produced no audio", ErrSynthesis)
	}
	return Audio{PCM: out.Bytes(), SampleRate: e.sampleRate, Channels: e.channels}, nil
}
