package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/visionvoice/internal/capture"
	"google.golang.org/genai"
)

// GeminiTransport opens native-audio sessions on the Gemini Live API.
type GeminiTransport struct {
	client *genai.Client
}

func NewGeminiTransport(client *genai.Client) *GeminiTransport {
	return &GeminiTransport{client: client}
}

func (g *GeminiTransport) Dial(ctx context.Context, cfg Config) (Conn, error) {
	connectCfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.SystemInstruction != "" {
		connectCfg.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	session, err := g.client.Live.Connect(ctx, cfg.Model, connectCfg)
	if err != nil {
		return nil, err
	}
	return &geminiConn{session: session}, nil
}

type geminiConn struct {
	session *genai.Session
}

func (c *geminiConn) SendAudio(frame capture.Frame) error {
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: frame.Data, MIMEType: frame.MIMEType},
	})
}

func (c *geminiConn) Recv() ([]Event, error) {
	for {
		msg, err := c.session.Receive()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("%w: %v", ErrRemoteClosed, err)
			}
			return nil, err
		}
		if events := translate(msg); len(events) > 0 {
			return events, nil
		}
	}
}

func (c *geminiConn) Close() error {
	err := c.session.Close()
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// translate maps one server message to events in the order they must be
// applied: audio first, then transcripts, then turn signals.
func translate(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}
	var events []Event
	content := msg.ServerContent
	if content == nil {
		return events
	}
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			events = append(events, AudioEvent{Data: part.InlineData.Data})
		}
	}
	if t := content.InputTranscription; t != nil && t.Text != "" {
		events = append(events, TranscriptEvent{Origin: OriginUser, Text: t.Text})
	}
	if t := content.OutputTranscription; t != nil && t.Text != "" {
		events = append(events, TranscriptEvent{Origin: OriginAssistant, Text: t.Text})
	}
	if content.Interrupted {
		events = append(events, InterruptedEvent{})
	}
	if content.TurnComplete {
		events = append(events, TurnCompleteEvent{})
	}
	return events
}
