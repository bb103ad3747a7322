package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/visionvoice/internal/assistant"
	"github.com/loqalabs/visionvoice/internal/camera"
	"github.com/loqalabs/visionvoice/internal/history"
	"github.com/loqalabs/visionvoice/internal/language"
	"github.com/loqalabs/visionvoice/internal/pcm"
	"github.com/loqalabs/visionvoice/internal/tts"
	"github.com/loqalabs/visionvoice/internal/vision"
)

const maxImageBytes = 20 << 20

// API serves the HTTP surface of the assistant.
type API struct {
	ctrl  *assistant.Controller
	store *history.Store
	log   *slog.Logger
}

func NewAPI(ctrl *assistant.Controller, store *history.Store, log *slog.Logger) *API {
	return &API{ctrl: ctrl, store: store, log: log.With(slog.String("component", "api"))}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/analyze", a.handleAnalyze)
	mux.HandleFunc("POST /api/scan", a.handleScan)
	mux.HandleFunc("GET /api/history", a.handleHistory)
	mux.HandleFunc("GET /api/history/{id}", a.handleRecord)
	mux.HandleFunc("GET /api/history/{id}/image", a.handleImage)
	mux.HandleFunc("GET /api/history/{id}/speech.wav", a.handleSpeech)
	mux.HandleFunc("GET /api/language", a.handleGetLanguage)
	mux.HandleFunc("PUT /api/language", a.handlePutLanguage)
	mux.HandleFunc("POST /api/interaction/close", a.handleClose)
	mux.HandleFunc("GET /api/state", a.handleState)
	mux.HandleFunc("GET /api/sessions/{id}/events", a.handleSessionEvents)
}

type analyzeRequest struct {
	Image string `json:"image"`
}

func (a *API) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	img, err := readImage(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.ctrl.Process(detach(r.Context()), img)
	if err != nil {
		a.writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	rec, err := a.ctrl.Scan(detach(r.Context()))
	if err != nil {
		a.writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// readImage accepts either a multipart "image" file or a JSON data URL.
func readImage(w http.ResponseWriter, r *http.Request) (vision.Image, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxImageBytes); err != nil {
			return vision.Image{}, err
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			return vision.Image{}, err
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return vision.Image{}, err
		}
		mimeType := header.Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = vision.DefaultMIMEType
		}
		if len(data) == 0 {
			return vision.Image{}, errors.New("image is empty")
		}
		return vision.Image{MIMEType: mimeType, Data: data}, nil
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return vision.Image{}, err
	}
	return vision.ParseDataURL(req.Image)
}

func (a *API) writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, assistant.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, camera.ErrDeviceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, vision.ErrAnalysis), errors.Is(err, tts.ErrSynthesis):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		a.log.Error("interaction failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := a.store.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *API) handleRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleImage(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.lookup(w, r)
	if !ok {
		return
	}
	if len(rec.Image.Data) == 0 {
		writeError(w, http.StatusNotFound, "no image stored")
		return
	}
	w.Header().Set("Content-Type", rec.Image.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.Image.Data)))
	_, _ = w.Write(rec.Image.Data)
}

func (a *API) handleSpeech(w http.ResponseWriter, r *http.Request) {
	sp, err := a.store.Speech(r.Context(), r.PathValue("id"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	data, err := pcm.EncodeWAV(sp.PCM, sp.SampleRate, sp.Channels)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (a *API) lookup(w http.ResponseWriter, r *http.Request) (history.Record, bool) {
	rec, err := a.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return history.Record{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return history.Record{}, false
	}
	return rec, true
}

type languageResponse struct {
	Current   language.Language   `json:"current"`
	Available []language.Language `json:"available"`
}

func (a *API) handleGetLanguage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, languageResponse{Current: a.ctrl.Language(), Available: language.All()})
}

type languageRequest struct {
	Code string `json:"code"`
}

func (a *API) handlePutLanguage(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lang, err := a.ctrl.SetLanguage(language.Code(strings.TrimSpace(req.Code)))
	if errors.Is(err, assistant.ErrUnknownLanguage) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, languageResponse{Current: lang, Available: language.All()})
}

func (a *API) handleClose(w http.ResponseWriter, _ *http.Request) {
	a.ctrl.CloseInteraction()
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func (a *API) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

type timelineEvent struct {
	ID        int64  `json:"id"`
	RecordID  string `json:"record_id,omitempty"`
	Type      string `json:"type"`
	Payload   string `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (a *API) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := a.store.ListSessionEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]timelineEvent, 0, len(events))
	for _, e := range events {
		out = append(out, timelineEvent{
			ID:        e.ID,
			RecordID:  e.RecordID,
			Type:      e.Type,
			Payload:   string(e.Payload),
			Timestamp: e.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// detach keeps request values but not cancellation: the interaction continues
// into the live session after the HTTP response is written.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
