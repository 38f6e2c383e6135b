package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/autopicker/gateway/catalog"
	"github.com/autopicker/gateway/extract"
	"github.com/autopicker/gateway/ingest"
	"github.com/autopicker/gateway/model"
	"github.com/autopicker/gateway/provider"
	"github.com/autopicker/gateway/router"
	"github.com/autopicker/gateway/security"
)

// modelsListTTL is how long the models listing is memoized.
const modelsListTTL = 30 * time.Second

// backgroundExtractTimeout bounds the post-upload extraction kicked off
// detached from the upload request.
const backgroundExtractTimeout = 2 * time.Minute

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
}

// handleModels lists the catalog visible under the configured pricing
// tier, memoized briefly since snapshots rarely change.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	snap := s.catalog.Snapshot()
	key := fmt.Sprintf("models-list:%s:%x", s.prefs.PricingTier, snapshotHash(snap))
	raw, err := s.cache.GetOrCompute(r.Context(), key, modelsListTTL, func(context.Context) ([]byte, error) {
		return json.Marshal(modelList(snap, s.prefs.PricingTier))
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

type modelView struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	Capabilities  []string `json:"capabilities"`
	CostInPer1K   float64  `json:"cost_in_per_1k"`
	CostOutPer1K  float64  `json:"cost_out_per_1k"`
	ContextWindow int      `json:"context_window"`
	Speed         string   `json:"speed"`
	Pricing       string   `json:"pricing"`
	Available     bool     `json:"available"`
}

func modelList(snap catalog.Snapshot, tier string) []modelView {
	out := make([]modelView, 0, len(snap.Models))
	for _, d := range snap.Models {
		if tier != "" && tier != "auto" && string(d.Pricing) != tier {
			continue
		}
		caps := make([]string, 0, len(d.Capabilities))
		for _, c := range d.Capabilities.Sorted() {
			caps = append(caps, string(c))
		}
		out = append(out, modelView{
			ID:            d.Model,
			Provider:      d.Provider,
			Capabilities:  caps,
			CostInPer1K:   d.CostInPer1K,
			CostOutPer1K:  d.CostOutPer1K,
			ContextWindow: d.ContextWindow,
			Speed:         string(d.Speed),
			Pricing:       string(d.Pricing),
			Available:     d.Available,
		})
	}
	return out
}

// handleUpload ingests one multipart file and kicks extraction off in the
// background so the extraction is usually ready by the first chat call.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileBytes+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, CodePayloadTooLarge, "upload exceeds size limit", "")
			return
		}
		writeError(w, r, CodeValidation, "multipart field \"file\" is required", "")
		return
	}
	defer file.Close()

	rec, err := s.ingest.Upload(r.Context(), file, header.Filename, header.Header.Get("Content-Type"), Identity(r.Context()))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), backgroundExtractTimeout)
		defer cancel()
		if _, err := s.ingest.Extract(ctx, rec.ID); err != nil {
			log.Info(ctx, log.KV{K: "msg", V: "background extraction failed"},
				log.KV{K: "file-id", V: rec.ID}, log.KV{K: "err", V: err.Error()})
		}
	}()

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	recs := s.ingest.List(Identity(r.Context()))
	if recs == nil {
		recs = []ingest.FileRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": recs})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedRecord(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedRecord(w, r)
	if !ok {
		return
	}
	if err := s.ingest.Delete(rec.ID); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": rec.ID})
}

// handleExtract forces extraction; repeated calls return the memoized
// result.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedRecord(w, r)
	if !ok {
		return
	}
	ex, err := s.ingest.Extract(r.Context(), rec.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// handleTranscribe is the audio-specific extraction entry point.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedRecord(w, r)
	if !ok {
		return
	}
	if !strings.HasPrefix(rec.DetectedMIME, "audio/") {
		writeError(w, r, CodeUnsupportedType, "file is not audio", rec.DetectedMIME)
		return
	}
	ex, err := s.ingest.Extract(r.Context(), rec.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if ex.Kind != extract.KindTranscript {
		writeError(w, r, CodeServerBusy, "transcription service is not configured", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file_id":          ex.FileID,
		"transcription":    ex.Text,
		"language":         ex.Metadata.Language,
		"duration_seconds": ex.Metadata.DurationSeconds,
	})
}

// handleAnalyze previews the scorer and router decision without calling
// upstream.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	files, _, _, err := s.resolveAttachments(r.Context(), Identity(r.Context()), req.FileIDs)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	snap := s.catalog.Snapshot()
	score := router.Score(req, files, snap)
	if d := details(r.Context()); d != nil {
		d.Score = score.Score
	}

	resp := map[string]any{"complexity": score}
	route, err := s.routeFor(r.Context(), score, req, snap)
	if err != nil {
		resp["route_error"] = "no model available"
	} else {
		resp["route"] = routeView(route)
	}
	writeJSON(w, http.StatusOK, resp)
}

func routeView(route router.Route) map[string]any {
	fallbacks := make([]string, 0, len(route.Fallbacks))
	for _, d := range route.Fallbacks {
		fallbacks = append(fallbacks, d.Model)
	}
	return map[string]any{
		"selected":  route.Selected.Model,
		"provider":  route.Selected.Provider,
		"fallbacks": fallbacks,
		"rationale": route.Rationale,
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.serveChat(w, r)
}

// handleMultimodal is the documented file-weaving entry point. The chat
// flow is shared: a completions request without file_ids takes the same
// path with no attachments.
func (s *Server) handleMultimodal(w http.ResponseWriter, r *http.Request) {
	s.serveChat(w, r)
}

func (s *Server) serveChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	identity := Identity(r.Context())
	d := details(r.Context())

	files, atts, processed, err := s.resolveAttachments(r.Context(), identity, req.FileIDs)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	snap := s.catalog.Snapshot()
	score := router.Score(req, files, snap)
	route, err := s.routeFor(r.Context(), score, req, snap)
	if err != nil {
		if d != nil {
			d.Score = score.Score
			d.ErrorCode = CodeServerBusy
		}
		writeErr(w, r, err)
		return
	}
	if d != nil {
		d.Model = route.Selected.Key()
		d.Score = score.Score
		d.Rationale = append(append([]string{}, score.Rationale...), route.Rationale...)
	}

	vision := route.Selected.Capabilities.Has(catalog.CapVision)
	preq := provider.BuildRequest(req, route.Selected.Model, atts, vision)

	if req.Stream {
		s.serveStream(w, r, route, preq)
		return
	}

	completion, result, err := s.dispatcher.Complete(r.Context(), route, preq)
	if d != nil {
		d.Rationale = append(d.Rationale, result.Rationale...)
		d.FallbackCount = result.FallbackCount
		d.UpstreamMS = result.UpstreamLatency.Milliseconds()
	}
	if err != nil {
		code, msg := classifyErr(err)
		if d != nil {
			d.ErrorCode = code
		}
		log.Warn(r.Context(), log.KV{K: "msg", V: "dispatch failed"},
			log.KV{K: "attempts", V: result.FallbackCount + 1}, log.KV{K: "err", V: err.Error()})
		writeError(w, r, code, msg, "")
		return
	}
	s.recorder.RecordUpstream(r.Context(), result.Model.Provider, result.UpstreamLatency)

	resp := model.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   result.Model.Model,
		Choices: []model.Choice{{
			Message:      model.Message{Role: model.RoleAssistant, Content: completion.Text},
			FinishReason: completion.FinishReason,
		}},
		Usage:          completion.Usage,
		FilesProcessed: processed,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, route router.Route, preq provider.Request) {
	d := details(r.Context())
	streamer, result, err := s.dispatcher.Stream(r.Context(), route, preq)
	if d != nil {
		d.Rationale = append(d.Rationale, result.Rationale...)
		d.FallbackCount = result.FallbackCount
		d.UpstreamMS = result.UpstreamLatency.Milliseconds()
	}
	if err != nil {
		code, msg := classifyErr(err)
		if d != nil {
			d.ErrorCode = code
		}
		log.Warn(r.Context(), log.KV{K: "msg", V: "stream dispatch failed"},
			log.KV{K: "attempts", V: result.FallbackCount + 1}, log.KV{K: "err", V: err.Error()})
		writeError(w, r, code, msg, "")
		return
	}
	s.recorder.RecordUpstream(r.Context(), result.Model.Provider, result.UpstreamLatency)

	sse, err := newSSEWriter(w, result.Model.Model)
	if err != nil {
		streamer.Close()
		writeErr(w, r, err)
		return
	}
	if err := pumpStream(r.Context(), streamer, sse); err != nil && !errors.Is(err, context.Canceled) {
		if d != nil {
			code, _ := classifyErr(err)
			d.ErrorCode = code
		}
	}
}

func (s *Server) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health.Snapshot(r.Context()))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recorder.Snapshot(s.cache.Stats().HitRatio()))
}

// decodeChat decodes and validates the chat request body.
func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (*model.ChatRequest, bool) {
	var req model.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, CodePayloadTooLarge, "request body exceeds configured cap", "")
			return nil, false
		}
		writeError(w, r, CodeValidation, "malformed JSON body", "")
		return nil, false
	}
	for i := range req.Messages {
		clean, err := security.SanitizeString(req.Messages[i].Content)
		if err != nil {
			writeError(w, r, CodeValidation, err.Error(), fmt.Sprintf("messages[%d]", i))
			return nil, false
		}
		req.Messages[i].Content = clean
	}
	if err := req.Validate(int(s.cfg.Security.MaxBodyBytes)); err != nil {
		code, msg := classifyErr(err)
		if code == CodeInternal {
			code, msg = CodeValidation, err.Error()
		}
		writeError(w, r, code, msg, "")
		return nil, false
	}
	return &req, true
}

// resolveAttachments loads the referenced files and their extractions.
// Extraction failures degrade to placeholders; ownership violations and
// unknown IDs fail the request.
func (s *Server) resolveAttachments(ctx context.Context, identity string, fileIDs []string) ([]router.File, []provider.Attachment, int, error) {
	if len(fileIDs) == 0 {
		return nil, nil, 0, nil
	}
	var (
		files     []router.File
		atts      []provider.Attachment
		processed int
	)
	for _, id := range fileIDs {
		rec, err := s.ingest.Get(id)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("file %s: %w", id, err)
		}
		if rec.Identity != identity {
			return nil, nil, 0, errForbidden
		}

		ex, err := s.ingest.Extract(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, 0, ctx.Err()
			}
			// Un-extractable files become placeholders; the chat proceeds.
			reason := extract.FailureCode(err)
			ex = extract.Extraction{
				FileID: id,
				Kind:   extract.KindText,
				Text:   fmt.Sprintf("[file %s: extraction failed: %s]", rec.SanitizedName, reason),
			}
		} else if ex.ExtractorID != "none" {
			processed++
		}

		att := provider.Attachment{Name: rec.SanitizedName, MIME: rec.DetectedMIME, Extraction: ex}
		if ex.Kind == extract.KindImageCaption {
			if data, err := s.readBlob(rec.ID); err == nil {
				att.Data = data
			}
		}
		files = append(files, router.File{Size: rec.Size, Extraction: ex})
		atts = append(atts, att)
	}
	return files, atts, processed, nil
}

func (s *Server) readBlob(id string) ([]byte, error) {
	rc, err := s.ingest.OpenBlob(id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, s.cfg.Upload.MaxFileBytes))
}

// routeFor memoizes routing decisions by (score, preferences, snapshot).
// The snapshot hash keeps a stale route from outliving an availability
// change.
func (s *Server) routeFor(ctx context.Context, score router.ComplexityScore, req *model.ChatRequest, snap catalog.Snapshot) (router.Route, error) {
	prefs := s.prefs
	if req.Model != "" && req.Model != "auto" {
		prefs.ExplicitModelID = req.Model
	}

	key := fmt.Sprintf("route:%d:%s:%+v:%x", score.Score, strings.Join(score.RequiredList, ","), prefs, snapshotHash(snap))
	if raw, ok := s.cache.Get(ctx, key); ok {
		var route router.Route
		if err := json.Unmarshal(raw, &route); err == nil {
			if d := details(ctx); d != nil {
				d.CacheHit = true
			}
			return route, nil
		}
	}

	route, err := router.BuildRoute(score, prefs, snap)
	if err != nil {
		return router.Route{}, err
	}
	if raw, err := json.Marshal(route); err == nil {
		s.cache.Set(ctx, key, raw, modelsListTTL)
	}
	return route, nil
}

func snapshotHash(snap catalog.Snapshot) uint64 {
	h := fnv.New64a()
	for _, d := range snap.Models {
		_, _ = io.WriteString(h, d.Key())
		if d.Available {
			_, _ = io.WriteString(h, "+")
		} else {
			_, _ = io.WriteString(h, "-")
		}
	}
	return h.Sum64()
}

func (s *Server) ownedRecord(w http.ResponseWriter, r *http.Request) (ingest.FileRecord, bool) {
	id := chi.URLParam(r, "id")
	rec, err := s.ingest.Get(id)
	if err != nil {
		writeErr(w, r, err)
		return ingest.FileRecord{}, false
	}
	if rec.Identity != Identity(r.Context()) {
		writeError(w, r, CodeForbidden, "file belongs to another identity", "")
		return ingest.FileRecord{}, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
