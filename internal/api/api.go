// Package api is the HTTP control surface of the engine: JSON command
// endpoints that feed the control loop, an SSE stream that carries the
// loop's events back to the UI, and maintenance endpoints for the
// analysis cache, device list, and persisted settings.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/twodeck/engine/internal/cache"
	"github.com/twodeck/engine/internal/control"
	"github.com/twodeck/engine/internal/cue"
	"github.com/twodeck/engine/internal/device"
	"github.com/twodeck/engine/internal/engineerr"
	"github.com/twodeck/engine/internal/settings"
	"github.com/twodeck/engine/internal/sse"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	loop     *control.Loop
	hub      *sse.Hub
	devices  *device.Manager
	cue      *cue.Output
	cache    *cache.Cache
	decoder  cache.Decoder
	settings *settings.Store
}

// New wires the handler set.
func New(loop *control.Loop, hub *sse.Hub, devices *device.Manager, cueOut *cue.Output,
	c *cache.Cache, decoder cache.Decoder, store *settings.Store) *Handlers {
	return &Handlers{
		loop:     loop,
		hub:      hub,
		devices:  devices,
		cue:      cueOut,
		cache:    c,
		decoder:  decoder,
		settings: store,
	}
}

// EventBridge adapts the control loop's event stream onto the SSE hub.
func EventBridge(hub *sse.Hub) control.EventSink {
	return func(e control.Event) {
		hub.BroadcastEvent(e.EventName(), e.Deck(), e)
	}
}

// Routes registers every endpoint on mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /events", h.HandleSSE)

	mux.HandleFunc("POST /api/deck/init", h.HandleInitDeck)
	mux.HandleFunc("POST /api/deck/load", h.HandleLoadTrack)
	mux.HandleFunc("POST /api/deck/play", h.HandlePlay)
	mux.HandleFunc("POST /api/deck/pause", h.HandlePause)
	mux.HandleFunc("POST /api/deck/seek", h.HandleSeek)
	mux.HandleFunc("POST /api/deck/fader", h.HandleFader)
	mux.HandleFunc("POST /api/deck/trim", h.HandleTrim)
	mux.HandleFunc("POST /api/deck/eq", h.HandleEQ)
	mux.HandleFunc("POST /api/deck/cue-point", h.HandleCuePoint)
	mux.HandleFunc("POST /api/deck/pitch", h.HandlePitch)
	mux.HandleFunc("POST /api/deck/cleanup", h.HandleCleanup)

	mux.HandleFunc("POST /api/sync/enable", h.HandleEnableSync)
	mux.HandleFunc("POST /api/sync/disable", h.HandleDisableSync)

	mux.HandleFunc("POST /api/cue/select", h.HandleSelectCueDeck)
	mux.HandleFunc("POST /api/cue/device", h.HandleSetCueDevice)

	mux.HandleFunc("GET /api/devices", h.HandleListDevices)

	mux.HandleFunc("POST /api/analyze", h.HandleAnalyze)
	mux.HandleFunc("GET /api/cache/stats", h.HandleCacheStats)
	mux.HandleFunc("POST /api/cache/cleanup", h.HandleCacheCleanup)
	mux.HandleFunc("POST /api/cache/clear", h.HandleCacheClear)

	mux.HandleFunc("GET /api/settings", h.HandleGetSettings)
	mux.HandleFunc("POST /api/settings", h.HandleSetSettings)
}

// readJSON decodes a bounded JSON request body into dst.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

// send enqueues a command on the control loop, translating a full
// channel into 503 so the UI knows to retry on the next user action.
func (h *Handlers) send(w http.ResponseWriter, cmd control.Command) {
	if err := h.loop.Send(cmd); err != nil {
		if errors.Is(err, engineerr.ErrCommandSend) {
			http.Error(w, "engine busy", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type deckRequest struct {
	DeckID string `json:"deckId"`
}

func (h *Handlers) HandleInitDeck(w http.ResponseWriter, r *http.Request) {
	var req deckRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.DeckID == "" {
		http.Error(w, "deckId required", http.StatusBadRequest)
		return
	}
	h.send(w, control.InitDeck{DeckID: req.DeckID})
}

func (h *Handlers) HandleLoadTrack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeckID       string   `json:"deckId"`
		Path         string   `json:"path"`
		BPM          *float64 `json:"bpm"`
		FirstBeatSec *float64 `json:"firstBeatSec"`
		OutputDevice string   `json:"outputDevice"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.DeckID == "" || req.Path == "" {
		http.Error(w, "deckId and path required", http.StatusBadRequest)
		return
	}
	h.send(w, control.LoadTrack{
		DeckID:       req.DeckID,
		Path:         req.Path,
		BPM:          req.BPM,
		FirstBeatSec: req.FirstBeatSec,
		OutputDevice: req.OutputDevice,
	})
}

func (h *Handlers) HandlePlay(w http.ResponseWriter, r *http.Request) {
	var req deckRequest
	if !readJSON(w, r, &req) {
		return
	}
	h.send(w, control.Play{DeckID: req.DeckID})
}

func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	var req deckRequest
	if !readJSON(w, r, &req) {
		return
	}
	h.send(w, control.Pause{DeckID: req.DeckID})
}

func (h *Handlers) HandleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeckID  string  `json:"deckId"`
		Seconds float64 `json:"seconds"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	h.send(w, control.Seek{DeckID: req.DeckID, Seconds: req.Seconds})
}

func (h *Handlers) HandleFader(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeckID string  `json:"deckId"`
		Level  float64 `json:"level"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	h.send(w, control.SetFaderLevel{DeckID: req.DeckID, Level: req.Level})
}

func (h *Handlers) HandleTrim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeckID string  `json:"deckId"`
		GainDB float64 `json:"gainDb"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	h.send(w, control.SetTrimGain{DeckID: req.DeckID, GainDB: req.GainDB})
}

func (h *Handlers) HandleEQ(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeckID string  `json:"deckId"`
		LowDB  float64 `json:"lowDb"`
		MidDB  float64 `json:"midDb"`
		HighDB float64 `json:"highDb"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	h.send(w, control.SetEQ{DeckID: req.DeckID, LowDB: req.LowDB, MidDB: req.MidDB, HighDB: req.HighDB})
}

func (h *Handlers) HandleCuePoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeckID  string  `json:"deckId"`
		Seconds float64 `json:"seconds"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	h.send(w, control.SetCue{DeckID: req.DeckID, Seconds: req.Seconds})
}

func (h *Handlers) HandlePitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeckID          string  `json:"deckId"`
		Rate            float64 `json:"rate"`
		IsUserInitiated bool    `json:"isUserInitiated"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	h.send(w, control.SetPitchRate{DeckID: req.DeckID, Rate: req.Rate, IsUserInitiated: req.IsUserInitiated})
}

func (h *Handlers) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	var req deckRequest
	if !readJSON(w, r, &req) {
		return
	}
	h.send(w, control.CleanupDeck{DeckID: req.DeckID})
}

func (h *Handlers) HandleEnableSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SlaveID  string `json:"slaveId"`
		MasterID string `json:"masterId"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.SlaveID == "" || req.MasterID == "" || req.SlaveID == req.MasterID {
		http.Error(w, "distinct slaveId and masterId required", http.StatusBadRequest)
		return
	}
	h.send(w, control.EnableSync{SlaveID: req.SlaveID, MasterID: req.MasterID})
}

func (h *Handlers) HandleDisableSync(w http.ResponseWriter, r *http.Request) {
	var req deckRequest
	if !readJSON(w, r, &req) {
		return
	}
	h.send(w, control.DisableSync{DeckID: req.DeckID})
}

func (h *Handlers) HandleSelectCueDeck(w http.ResponseWriter, r *http.Request) {
	var req deckRequest
	if !readJSON(w, r, &req) {
		return
	}
	h.send(w, control.SelectCueDeck{DeckID: req.DeckID})
}

func (h *Handlers) HandleSetCueDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := h.cue.Bind(h.devices, req.Name); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if err := h.settings.Set(settings.KeyCueDevice, req.Name); err != nil {
		slog.Warn("failed to persist cue device", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "bound", "device": req.Name})
}

func (h *Handlers) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	endpoints, err := h.devices.Outputs()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, endpoints)
}

// HandleAnalyze runs cached BPM (and optionally waveform) analysis on a
// batch of files. Per-item failures are reported inline so one bad file
// never fails the batch.
func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paths           []string `json:"paths"`
		IncludeWaveform bool     `json:"includeWaveform"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Paths) == 0 {
		http.Error(w, "paths required", http.StatusBadRequest)
		return
	}

	type result struct {
		Path         string   `json:"path"`
		BPM          *float64 `json:"bpm,omitempty"`
		FirstBeatSec *float64 `json:"firstBeatSec,omitempty"`
		WaveformBins int      `json:"waveformBins,omitempty"`
		Error        string   `json:"error,omitempty"`
	}

	results := make([]result, 0, len(req.Paths))
	for _, path := range req.Paths {
		res, wf, err := h.cache.AnalyzeWithCache(path, h.decoder, req.IncludeWaveform)
		if err != nil {
			results = append(results, result{Path: path, Error: err.Error()})
			continue
		}
		item := result{Path: path, BPM: &res.BPM, FirstBeatSec: &res.FirstBeatSec}
		if wf != nil && len(wf.Levels) > 0 {
			item.WaveformBins = len(wf.Levels[0])
		}
		results = append(results, item)
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.GetStats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entryCount": stats.EntryCount,
		"totalBytes": stats.TotalBytes,
	})
}

func (h *Handlers) HandleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentFiles []string `json:"currentFiles"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	removed, err := h.cache.CleanupOrphaned(req.CurrentFiles)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handlers) HandleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.ClearAll(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.All())
}

func (h *Handlers) HandleSetSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if !readJSON(w, r, &req) {
		return
	}
	for k, v := range req {
		if err := h.settings.Set(k, v); err != nil {
			http.Error(w, fmt.Sprintf("persist %s: %v", k, err), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// HandleSSE streams engine events to browser clients.
func (h *Handlers) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client := &sse.Client{
		ID:     uuid.NewString(),
		Events: make(chan []byte, 256),
	}

	h.hub.Register(client)
	defer h.hub.Unregister(client)

	// Send initial keepalive
	fmt.Fprintf(w, ": connected\n\n")

	// Replay cached sticky events so new clients get synced immediately
	for _, msg := range h.hub.ReplaySnapshot() {
		w.Write(msg)
	}
	flusher.Flush()

	for {
		select {
		case msg, ok := <-client.Events:
			if !ok {
				return
			}
			w.Write(msg)
			// Drain any queued messages before flushing so multiple
			// events batch into a single TCP write.
		drain:
			for {
				select {
				case extra, ok := <-client.Events:
					if !ok {
						flusher.Flush()
						return
					}
					w.Write(extra)
				default:
					break drain
				}
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
