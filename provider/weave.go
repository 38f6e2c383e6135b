package provider

import (
	"fmt"
	"strings"

	"github.com/autopicker/gateway/extract"
	"github.com/autopicker/gateway/model"
)

// Attachment is one resolved file reference: its metadata, extraction,
// and raw bytes when the bytes themselves should travel upstream
// (images for vision models).
type Attachment struct {
	Name       string
	MIME       string
	Extraction extract.Extraction
	Data       []byte
}

// BuildRequest weaves file extractions into a provider-neutral request.
// Extracted text becomes a system preamble ahead of the conversation.
// When vision is set, image attachments travel as inline parts and their
// captions are omitted from the preamble; otherwise the caption stands
// in for the image.
func BuildRequest(req *model.ChatRequest, modelID string, atts []Attachment, vision bool) Request {
	out := Request{
		Model:       modelID,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}

	var system []string
	var ctxParts []string
	for _, m := range req.Messages {
		if m.Role == model.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		out.Messages = append(out.Messages, m)
	}

	for _, a := range atts {
		ex := a.Extraction
		if ex.Kind == extract.KindImageCaption && vision && len(a.Data) > 0 {
			out.Images = append(out.Images, ImagePart{MIME: a.MIME, Data: a.Data})
			continue
		}
		ctxParts = append(ctxParts, fileSection(a.Name, ex))
	}
	if len(ctxParts) > 0 {
		system = append(system,
			"You are analyzing the following files. Use this information to answer the user's questions.\n\n=== Attached Files ===\n"+
				strings.Join(ctxParts, "\n"))
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

func fileSection(name string, ex extract.Extraction) string {
	switch ex.Kind {
	case extract.KindImageCaption:
		return fmt.Sprintf("File: %s\nType: Image\nDescription: %s\n", name, ex.Text)
	case extract.KindTranscript:
		lang := ex.Metadata.Language
		if lang == "" {
			lang = "unknown"
		}
		return fmt.Sprintf("File: %s\nType: Audio Transcription\nLanguage: %s\nContent:\n%s\n", name, lang, ex.Text)
	default:
		if ex.Text == "" {
			return fmt.Sprintf("File: %s\nNote: this file type is not fully processed but was uploaded successfully.\n", name)
		}
		kind := ex.Kind
		if kind == "" {
			kind = extract.KindText
		}
		return fmt.Sprintf("File: %s\nType: %s\nContent:\n%s\n", name, kind, ex.Text)
	}
}
