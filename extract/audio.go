package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	audioReadCap = 50 << 20

	transcribeAttempts   = 3
	transcribeBackoff    = 500 * time.Millisecond
	transcribePerAttempt = 30 * time.Second
)

type (
	// TranscriptionClient turns audio bytes into text. The production
	// implementation talks to a Whisper-compatible endpoint; tests
	// substitute a canned client.
	TranscriptionClient interface {
		Transcribe(ctx context.Context, audio io.Reader, filename string) (Transcript, error)
	}

	// Transcript is the result of one transcription call.
	Transcript struct {
		Text            string
		Language        string
		DurationSeconds float64
	}

	// AudioExtractor transcribes audio via a TranscriptionClient with
	// bounded retries. Transient failures are retried with exponential
	// backoff and jitter; an audio file that genuinely contains no speech
	// yields an empty transcript, not an error.
	AudioExtractor struct {
		client TranscriptionClient
	}

	// WhisperClient implements TranscriptionClient on top of the OpenAI
	// audio transcription API, optionally pointed at a self-hosted
	// Whisper-compatible server.
	WhisperClient struct {
		client openai.Client
		model  string
	}
)

// NewWhisperClient builds a transcription client. baseURL may be empty
// for the hosted API.
func NewWhisperClient(baseURL, apiKey, model string) *WhisperClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	return &WhisperClient{client: openai.NewClient(opts...), model: model}
}

// Transcribe sends the audio to the transcription endpoint.
func (c *WhisperClient) Transcribe(ctx context.Context, audio io.Reader, filename string) (Transcript, error) {
	res, err := c.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(c.model),
		File:  openai.File(audio, filename, ""),
	})
	if err != nil {
		return Transcript{}, err
	}
	return Transcript{Text: res.Text}, nil
}

// NewAudioExtractor builds the audio extractor around the given client.
func NewAudioExtractor(client TranscriptionClient) *AudioExtractor {
	return &AudioExtractor{client: client}
}

func (*AudioExtractor) ID() string      { return "audio" }
func (*AudioExtractor) Version() string { return "1" }

func (*AudioExtractor) MIMEs() []string {
	return []string{
		"audio/mpeg", "audio/mp4", "audio/wav", "audio/x-wav",
		"audio/ogg", "audio/flac", "audio/webm",
	}
}

func (a *AudioExtractor) Extract(ctx context.Context, r io.Reader, size int64) (Extraction, error) {
	data, err := readCapped(ctx, r, audioReadCap)
	if err != nil {
		return Extraction{}, err
	}
	filename := "audio" + mimetype.Detect(data).Extension()

	var (
		tr      Transcript
		lastErr error
	)
	for attempt := 0; attempt < transcribeAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryDelay(attempt)); err != nil {
				return Extraction{}, err
			}
		}
		actx, cancel := context.WithTimeout(ctx, transcribePerAttempt)
		tr, lastErr = a.client.Transcribe(actx, bytes.NewReader(data), filename)
		cancel()
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return Extraction{}, ctx.Err()
		}
	}
	if lastErr != nil {
		return Extraction{}, fmt.Errorf("%w: transcription: %s", ErrDownstream, lastErr)
	}

	var warnings []string
	if tr.Text == "" {
		warnings = append(warnings, "no speech detected")
	}
	return Extraction{
		Kind: KindTranscript,
		Text: tr.Text,
		Metadata: Metadata{
			Format:          mimetype.Detect(data).String(),
			Language:        tr.Language,
			DurationSeconds: tr.DurationSeconds,
		},
		Warnings: warnings,
	}, nil
}

// retryDelay returns the backoff before the given attempt number (1-based
// for retries) with +/-20% jitter.
func retryDelay(attempt int) time.Duration {
	base := transcribeBackoff << (attempt - 1)
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(base) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
