package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"longctx/pkg/contract"
)

// 会话阶段。
const (
	StageMap    = "map"
	StageReduce = "reduce"
	StageDirect = "direct"
)

// Turn: 一次模型往返中的单条消息。Chunk 为 map 块序号或分层归约的组序号，其余为 -1。
type Turn struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Stage     string    `json:"stage"`
	Chunk     int       `json:"chunk"`
	Pass      int       `json:"pass,omitempty"`
	Cached    bool      `json:"cached,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Session: 只追加的会话记录；并发安全。
type Session struct {
	id       string
	question string
	started  time.Time
	now      func() time.Time

	mu    sync.Mutex
	turns []Turn
}

// New 创建会话；id 为空时生成 uuid。
func New(id, question string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{id: id, question: question, started: time.Now().UTC(), now: time.Now}
}

func (s *Session) ID() string { return s.id }

// Record 追加一次往返：请求消息（不含 system）与回答。nil 安全。
func (s *Session) Record(stage string, chunk, pass int, msgs []contract.Message, answer string, cached bool) {
	if s == nil {
		return
	}
	ts := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m.Role == contract.RoleSystem {
			continue
		}
		s.turns = append(s.turns, Turn{Role: m.Role, Text: m.Content, Stage: stage, Chunk: chunk, Pass: pass, Cached: cached, Timestamp: ts})
	}
	s.turns = append(s.turns, Turn{Role: contract.RoleAssistant, Text: answer, Stage: stage, Chunk: chunk, Pass: pass, Cached: cached, Timestamp: ts})
}

// Turns 返回副本。
func (s *Session) Turns() []Turn {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

type dump struct {
	ID       string    `json:"id"`
	Question string    `json:"question"`
	Started  time.Time `json:"started"`
	Turns    []Turn    `json:"turns"`
}

// MarshalJSON 输出完整会话。
func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(dump{ID: s.id, Question: s.question, Started: s.started, Turns: s.Turns()})
}

// Dump 以缩进 JSON 写出会话。
func (s *Session) Dump(ctx context.Context, w contract.Writer, id contract.ArtifactID) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(dump{ID: s.id, Question: s.question, Started: s.started, Turns: s.Turns()}); err != nil {
		return fmt.Errorf("session encode: %w", err)
	}
	if err := w.Write(ctx, id, &buf); err != nil {
		return fmt.Errorf("session dump %s: %w", id, err)
	}
	return nil
}
