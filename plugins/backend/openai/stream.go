package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"longctx/pkg/contract"
)

// CompleteStream: SSE 增量输出（data: {...} 行，以 [DONE] 结束）。
func (c *Client) CompleteStream(ctx context.Context, msgs []contract.Message, p contract.Params) (contract.TokenStream, error) {
	body, err := c.encode(msgs, p, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	return &sseStream{body: resp.Body, sc: bufio.NewScanner(resp.Body)}, nil
}

type sseStream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
	done bool
}

type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (s *sseStream) Next() (string, bool, error) {
	if s.done {
		return "", true, nil
	}
	for s.sc.Scan() {
		line := strings.TrimSpace(s.sc.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return "", true, nil
		}
		var ch sseChunk
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			return "", false, fmt.Errorf("stream decode: %v: %w", err, contract.ErrResponseInvalid)
		}
		if len(ch.Choices) == 0 || ch.Choices[0].Delta.Content == "" {
			continue
		}
		return ch.Choices[0].Delta.Content, false, nil
	}
	if err := s.sc.Err(); err != nil {
		return "", false, fmt.Errorf("stream read: %v: %w", err, contract.ErrNetwork)
	}
	s.done = true
	return "", true, nil
}

func (s *sseStream) Close() error { return s.body.Close() }
