package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout = 300 * time.Second
)

// Client communicates with the Gemini generateContent API.
type Client struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a Gemini client with the given API key. The timeout
// bounds a whole generation call, streamed or not; pass 0 for the default.
func NewClient(apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string, timeout time.Duration) *Client {
	c := NewClient(apiKey, timeout)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *Client) endpoint(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", c.baseURL, model, method)
}

func (c *Client) do(ctx context.Context, url string, req Request) (*http.Response, context.CancelFunc, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return resp, cancel, nil
}

// Generate performs a blocking generation call and returns the complete response.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	resp, cancel, err := c.do(ctx, c.endpoint(req.Model, "generateContent"), req)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

// GenerateStream starts a streamed generation call. The returned Stream is
// pull-based: the next provider chunk is not read from the wire until Recv
// is called, so a slow consumer naturally holds back the producer. The
// caller must Close the stream.
func (c *Client) GenerateStream(ctx context.Context, req Request) (*Stream, error) {
	resp, cancel, err := c.do(ctx, c.endpoint(req.Model, "streamGenerateContent")+"?alt=sse", req)
	if err != nil {
		return nil, err
	}
	return &Stream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
		cancel: cancel,
	}, nil
}

// Stream delivers incremental generation output as a sequence of Chunks.
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc
	done   bool
}

// Recv returns the next chunk. It returns io.EOF after the last chunk.
func (s *Stream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for {
		data, err := s.nextEvent()
		if err != nil {
			s.done = true
			if err == io.EOF {
				return Chunk{}, io.EOF
			}
			return Chunk{}, fmt.Errorf("reading stream: %w", err)
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			s.done = true
			return Chunk{}, fmt.Errorf("decoding stream chunk: %w", err)
		}

		chunk := Chunk{
			Text:      resp.Text(),
			Grounding: resp.Grounding(),
			Usage:     resp.UsageMetadata,
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
			chunk.Final = true
		}
		return chunk, nil
	}
}

// nextEvent reads one SSE event and returns its data payload.
func (s *Stream) nextEvent() ([]byte, error) {
	var data []byte
	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimRight(line, "\r\n")
			if rest, ok := bytes.CutPrefix(trimmed, []byte("data:")); ok {
				// Multiple data lines of one event are joined with a newline.
				if len(data) > 0 {
					data = append(data, '\n')
				}
				data = append(data, bytes.TrimSpace(rest)...)
			} else if len(trimmed) == 0 && len(data) > 0 {
				return data, nil
			}
			// Comments and other fields are ignored.
		}
		if err != nil {
			if err == io.EOF && len(data) > 0 {
				return data, nil
			}
			return nil, err
		}
	}
}

// Close releases the underlying connection. Safe to call multiple times.
func (s *Stream) Close() error {
	s.done = true
	err := s.body.Close()
	s.cancel()
	return err
}
