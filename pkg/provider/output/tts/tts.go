// Package tts provides the speech synthesis output provider. It sends the
// bundle's TTS text to an OpenAI-compatible speech endpoint and publishes the
// returned PCM to the shared audio stream as one segment, where downstream
// subscribers (avatar lip-sync, platform mixers) pick it up.
//
// The endpoint is asked for raw PCM, which OpenAI serves as 24 kHz mono
// little-endian int16. Audio is forwarded in fixed-size chunks as it arrives
// rather than after the full response, so playback can begin while the tail
// of the utterance is still being synthesized. The bundle's emotion is folded
// into the request's voice-steering instructions on models that support them.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/vtforge/hibiki/pkg/audio"
	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/provider/output"
	"github.com/vtforge/hibiki/pkg/types"
)

// Name is the provider's registry name.
const Name = "tts"

const (
	defaultModel = "gpt-4o-mini-tts"
	defaultVoice = "alloy"

	// The OpenAI speech endpoint serves pcm as 24 kHz mono int16.
	pcmSampleRate = 24000
	pcmChannels   = 1

	// chunkBytes is 100 ms of 24 kHz mono int16 per published chunk.
	chunkBytes = 4800
)

var _ output.Provider = (*Provider)(nil)

// speechFunc issues one synthesis request. Matches the signature of the SDK's
// Audio.Speech.New so the client method can be stored directly.
type speechFunc func(ctx context.Context, body oai.AudioSpeechNewParams, opts ...option.RequestOption) (*http.Response, error)

// Provider synthesizes speech through an OpenAI-compatible API and produces
// onto the audio stream.
type Provider struct {
	log    *slog.Logger
	stream *audio.Stream
	speech speechFunc
	httpc  *http.Client

	model        string
	voice        string
	speed        float64
	instructions string
}

// New creates a tts output provider. All configuration happens in Setup.
func New() *Provider {
	return &Provider{}
}

// Name implements [output.Provider].
func (p *Provider) Name() string { return Name }

// Setup implements [output.Provider]. Recognized config keys:
//
//	api_key      - bearer token for the speech endpoint
//	base_url     - OpenAI-compatible endpoint override
//	model        - speech model (default "gpt-4o-mini-tts")
//	voice        - voice name (default "alloy")
//	speed        - playback speed multiplier, 0 leaves the API default
//	instructions - static voice-steering prefix sent with every request
func (p *Provider) Setup(_ context.Context, pctx provider.Context, cfg map[string]any) error {
	p.log = pctx.Logger("output." + Name)
	if pctx.Audio == nil {
		return errors.New("tts: audio stream not available")
	}
	p.stream = pctx.Audio

	p.model = provider.StringOption(cfg, "model", defaultModel)
	p.voice = provider.StringOption(cfg, "voice", defaultVoice)
	p.speed = provider.FloatOption(cfg, "speed", 0)
	p.instructions = provider.StringOption(cfg, "instructions", "")

	p.httpc = &http.Client{}
	reqOpts := []option.RequestOption{
		option.WithHTTPClient(p.httpc),
	}
	if key := provider.StringOption(cfg, "api_key", ""); key != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(key))
	}
	if base := provider.StringOption(cfg, "base_url", ""); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	client := oai.NewClient(reqOpts...)
	p.speech = client.Audio.Speech.New
	return nil
}

// Render implements [output.Provider]. It synthesizes params.TTSText and
// publishes the PCM as one audio segment. The HTTP request and the body reads
// are both bound to ctx, so the manager's render timeout cuts off a stalled
// synthesis mid-stream.
func (p *Provider) Render(ctx context.Context, params *types.ExpressionParameters) error {
	if !params.TTSEnabled || params.TTSText == "" {
		return nil
	}

	body := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(p.voice),
		Input:          params.TTSText,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if p.speed > 0 {
		body.Speed = param.NewOpt(p.speed)
	}
	if instr := p.steering(string(params.Emotion)); instr != "" {
		body.Instructions = param.NewOpt(instr)
	}

	resp, err := p.speech(ctx, body)
	if err != nil {
		return fmt.Errorf("tts: synthesize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tts: synthesize: unexpected status %d", resp.StatusCode)
	}

	seg := audio.Segment{
		ID:     uuid.NewString(),
		Text:   params.TTSText,
		Format: audio.Format{SampleRate: pcmSampleRate, Channels: pcmChannels},
	}
	if err := p.stream.StartSegment(seg); err != nil {
		return fmt.Errorf("tts: start segment: %w", err)
	}
	defer func() {
		if err := p.stream.EndSegment(); err != nil && !errors.Is(err, audio.ErrClosed) {
			p.log.Warn("failed to end audio segment", "segment", seg.ID, "error", err)
		}
	}()

	buf := make([]byte, chunkBytes)
	for {
		n, readErr := io.ReadFull(resp.Body, buf)
		// A trailing half-sample cannot be played; drop the odd byte.
		if n%2 != 0 {
			n--
		}
		if n > 0 {
			chunk := audio.Chunk{
				Data:       append([]byte(nil), buf[:n]...),
				SampleRate: pcmSampleRate,
				Channels:   pcmChannels,
			}
			if err := p.stream.PublishChunk(chunk); err != nil {
				return fmt.Errorf("tts: publish chunk: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("tts: read audio: %w", readErr)
		}
	}
}

// Cleanup implements [output.Provider].
func (p *Provider) Cleanup() error {
	if p.httpc != nil {
		p.httpc.CloseIdleConnections()
	}
	return nil
}

// steering combines the configured instructions with the bundle's emotion.
// Neutral and empty emotions add nothing.
func (p *Provider) steering(emotion string) string {
	instr := p.instructions
	if emotion == "" || emotion == "neutral" {
		return instr
	}
	tone := fmt.Sprintf("Speak with a %s tone of voice.", emotion)
	if instr == "" {
		return tone
	}
	return instr + " " + tone
}
