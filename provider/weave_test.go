package provider

import (
	"strings"
	"testing"

	"github.com/autopicker/gateway/extract"
	"github.com/autopicker/gateway/model"
)

func TestBuildRequestSystemExtraction(t *testing.T) {
	req := &model.ChatRequest{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "be terse"},
			{Role: model.RoleUser, Content: "hello"},
		},
		Temperature: 0.7,
		MaxTokens:   256,
	}
	out := BuildRequest(req, "m1", nil, false)

	if out.Model != "m1" || out.Temperature != 0.7 || out.MaxTokens != 256 {
		t.Errorf("request = %+v", out)
	}
	if out.System != "be terse" {
		t.Errorf("system = %q", out.System)
	}
	if len(out.Messages) != 1 || out.Messages[0].Role != model.RoleUser {
		t.Errorf("messages = %+v", out.Messages)
	}
}

func TestBuildRequestWeavesFiles(t *testing.T) {
	req := &model.ChatRequest{Messages: []model.Message{{Role: model.RoleUser, Content: "summarize"}}}
	atts := []Attachment{
		{Name: "notes.txt", MIME: "text/plain", Extraction: extract.Extraction{Kind: extract.KindText, Text: "the notes"}},
		{Name: "talk.mp3", MIME: "audio/mpeg", Extraction: extract.Extraction{
			Kind: extract.KindTranscript, Text: "spoken words", Metadata: extract.Metadata{Language: "en"},
		}},
	}
	out := BuildRequest(req, "m1", atts, false)

	for _, want := range []string{
		"=== Attached Files ===",
		"File: notes.txt",
		"the notes",
		"Type: Audio Transcription",
		"Language: en",
		"spoken words",
	} {
		if !strings.Contains(out.System, want) {
			t.Errorf("system missing %q:\n%s", want, out.System)
		}
	}
}

func TestBuildRequestVisionInlinesImages(t *testing.T) {
	req := &model.ChatRequest{Messages: []model.Message{{Role: model.RoleUser, Content: "what is this"}}}
	atts := []Attachment{{
		Name:       "photo.png",
		MIME:       "image/png",
		Data:       []byte{0x89, 0x50},
		Extraction: extract.Extraction{Kind: extract.KindImageCaption, Text: "[image: png, 2x2 pixels]"},
	}}

	vision := BuildRequest(req, "m1", atts, true)
	if len(vision.Images) != 1 || vision.Images[0].MIME != "image/png" {
		t.Errorf("images = %+v", vision.Images)
	}
	if strings.Contains(vision.System, "photo.png") {
		t.Error("inlined image must not also appear as a caption section")
	}

	captioned := BuildRequest(req, "m1", atts, false)
	if len(captioned.Images) != 0 {
		t.Error("non-vision model received inline images")
	}
	if !strings.Contains(captioned.System, "Type: Image") {
		t.Errorf("caption section missing:\n%s", captioned.System)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&StatusError{Code: 503}, true},
		{&StatusError{Code: 529}, true},
		{&StatusError{Code: 400}, false},
		{&StatusError{Code: 401}, false},
		{ErrUnavailable, true},
	}
	for _, c := range cases {
		if got := Retryable(c.err); got != c.want {
			t.Errorf("Retryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
