package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	valid := ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	if err := valid.Validate(0); err != nil {
		t.Fatal(err)
	}

	empty := ChatRequest{}
	if err := empty.Validate(0); !errors.Is(err, ErrNoMessages) {
		t.Errorf("empty err = %v", err)
	}

	badRole := ChatRequest{Messages: []Message{{Role: "robot", Content: "x"}}}
	if err := badRole.Validate(0); err == nil {
		t.Error("invalid role accepted")
	}

	big := ChatRequest{Messages: []Message{{Role: RoleUser, Content: strings.Repeat("a", 100)}}}
	if err := big.Validate(50); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("oversize err = %v", err)
	}
	if err := big.Validate(100); err != nil {
		t.Errorf("at-cap err = %v", err)
	}

	hot := valid
	hot.Temperature = 2.5
	if err := hot.Validate(0); err == nil {
		t.Error("temperature above 2 accepted")
	}

	neg := valid
	neg.MaxTokens = -1
	if err := neg.Validate(0); err == nil {
		t.Error("negative max_tokens accepted")
	}
}

func TestUserContent(t *testing.T) {
	r := ChatRequest{Messages: []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "one "},
		{Role: RoleAssistant, Content: "reply"},
		{Role: RoleUser, Content: "two"},
	}}
	if got := r.UserContent(); got != "one two" {
		t.Errorf("UserContent = %q", got)
	}
}

func TestChatRequestDecodeIgnoresUnknownFields(t *testing.T) {
	raw := `{"model":"auto","messages":[{"role":"user","content":"hi"}],"frequency_penalty":0.5,"n":2}`
	var req ChatRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatal(err)
	}
	if req.Model != "auto" || len(req.Messages) != 1 {
		t.Errorf("req = %+v", req)
	}
}

func TestChatChunkWireShape(t *testing.T) {
	reason := "stop"
	chunk := ChatChunk{
		ID:      "chatcmpl-x",
		Object:  "chat.completion.chunk",
		Created: 1700000000,
		Model:   "m",
		Choices: []ChunkChoice{{Delta: Delta{Content: "hi"}, FinishReason: &reason}},
	}
	raw, err := json.Marshal(chunk)
	if err != nil {
		t.Fatal(err)
	}
	want := `"finish_reason":"stop"`
	if !strings.Contains(string(raw), want) {
		t.Errorf("encoded chunk %s missing %s", raw, want)
	}
	if strings.Contains(string(raw), `"role"`) {
		t.Errorf("empty delta role must be omitted: %s", raw)
	}
}
