package module

import (
	"context"
	"strings"
)

// Request and response shapes shared by local handlers, the remote wire and
// Server.

type HealthResponse struct {
	Status  string `json:"status,omitempty"`
	Ready   bool   `json:"ready"`
	Version string `json:"version,omitempty"`
	Module  string `json:"module,omitempty"`
}

type TranscribeRequest struct {
	// Audio is a complete WAV file; encoding/json carries it as base64.
	Audio      []byte `json:"audio"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type TranscribeResponse struct {
	Text string `json:"text"`
}

type SpeakRequest struct {
	Text string `json:"text"`
}

type Ack struct {
	OK bool `json:"ok"`
}

type AcceptRequest struct {
	Text  string `json:"text"`
	Audio []byte `json:"audio,omitempty"`
}

type AcceptResponse struct {
	Accept bool `json:"accept"`
}

type GenerateOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature"`
}

type GenerateRequest struct {
	System  string          `json:"system,omitempty"`
	User    string          `json:"user"`
	Options GenerateOptions `json:"options"`
	// Format is "json" when the caller expects a JSON object back.
	Format string `json:"format,omitempty"`
}

type GenerateResponse struct {
	Text string `json:"text"`
}

type RetrieveRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type RetrieveResponse struct {
	Context string `json:"context"`
}

type HasDocumentsResponse struct {
	HasDocuments bool `json:"has_documents"`
}

// BrowserIntent is a single structured browser command.
type BrowserIntent struct {
	Action    string `json:"action"`
	Query     string `json:"query,omitempty"`
	Target    string `json:"target,omitempty"`
	Direction string `json:"direction,omitempty"`
}

type ExecuteRequest struct {
	Intent    *BrowserIntent `json:"intent,omitempty"`
	Utterance string         `json:"utterance,omitempty"`
}

type ExecuteResponse struct {
	Result  string `json:"result"`
	OpenURL string `json:"open_url,omitempty"`
}

// Typed capability helpers. Each one is a thin wrapper over Invoke so the
// failure handling is identical for every capability.

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.Invoke(ctx, OpHealth, nil, &out)
	return out, err
}

func (c *Client) Transcribe(ctx context.Context, wav []byte, sampleRate int) (string, error) {
	var out TranscribeResponse
	if err := c.Invoke(ctx, OpTranscribe, TranscribeRequest{Audio: wav, SampleRate: sampleRate}, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

func (c *Client) Speak(ctx context.Context, text string) error {
	return c.Invoke(ctx, OpSpeak, SpeakRequest{Text: text}, &Ack{})
}

func (c *Client) StopSpeaking(ctx context.Context) error {
	return c.Invoke(ctx, OpStop, nil, &Ack{})
}

func (c *Client) Accept(ctx context.Context, text string, wav []byte) (bool, error) {
	var out AcceptResponse
	if err := c.Invoke(ctx, OpAccept, AcceptRequest{Text: text, Audio: wav}, &out); err != nil {
		return false, err
	}
	return out.Accept, nil
}

func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	var out GenerateResponse
	if err := c.Invoke(ctx, OpGenerate, req, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (c *Client) Retrieve(ctx context.Context, query string, topK int) (string, error) {
	var out RetrieveResponse
	if err := c.Invoke(ctx, OpRetrieve, RetrieveRequest{Query: query, TopK: topK}, &out); err != nil {
		return "", err
	}
	return out.Context, nil
}

func (c *Client) HasDocuments(ctx context.Context) (bool, error) {
	var out HasDocumentsResponse
	if err := c.Invoke(ctx, OpHasDocuments, nil, &out); err != nil {
		return false, err
	}
	return out.HasDocuments, nil
}

func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	var out ExecuteResponse
	err := c.Invoke(ctx, OpExecute, req, &out)
	return out, err
}
