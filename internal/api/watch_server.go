// Package api exposes the perception pipeline over HTTP: status and event
// queries, the live frame and MJPEG stream, runtime vocabulary and policy
// control, and Prometheus metrics.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"net/http"
	"strconv"
	"time"

	"github.com/hybridgroup/mjpeg"

	"github.com/argus-data/watchtower/internal/eye"
	"github.com/argus-data/watchtower/internal/eyedb"
	"github.com/argus-data/watchtower/internal/metrics"
	"github.com/argus-data/watchtower/internal/monitoring"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const defaultEventLimit = 50

type Server struct {
	core    *eye.Core
	db      *eyedb.DB
	metrics *metrics.Metrics
	stream  *mjpeg.Stream
}

func NewServer(core *eye.Core, db *eyedb.DB, m *metrics.Metrics) *Server {
	return &Server{
		core:    core,
		db:      db,
		metrics: m,
		stream:  mjpeg.NewStream(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.showStatus)
	mux.HandleFunc("/events", s.listEvents)
	mux.HandleFunc("/observations", s.listObservations)
	mux.HandleFunc("/frame/latest", s.latestFrame)
	mux.Handle("/stream", s.stream)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/perceive", s.perceiveOnce)
	mux.HandleFunc("/targets/stage1", s.setStage1Targets)
	mux.HandleFunc("/targets/stage2", s.setStage2Targets)
	mux.HandleFunc("/policy", s.setPolicy)
	mux.HandleFunc("/mute", s.muteClass)
	mux.HandleFunc("/unmute", s.unmuteClass)
	return mux
}

// StreamFrames feeds the MJPEG stream from the latest captured frame until
// the stop channel closes.
func (s *Server) StreamFrames(stop <-chan struct{}, fps int) {
	if fps < 1 {
		fps = 1
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			frame, ok := s.core.LatestFrame()
			if !ok {
				continue
			}
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, frame.Img, &jpeg.Options{Quality: 70}); err != nil {
				continue
			}
			s.stream.UpdateJPEG(buf.Bytes())
		}
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := json.NewEncoder(w).Encode(s.core.Status()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write status")
	}
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := defaultEventLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	events, err := s.db.RecentEvents(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve events: %v", err))
		return
	}
	if events == nil {
		events = []eyedb.SecurityEvent{}
	}

	if err := json.NewEncoder(w).Encode(events); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write events")
	}
}

func (s *Server) listObservations(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := defaultEventLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	obs, err := s.db.RecentObservations(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve observations: %v", err))
		return
	}
	if obs == nil {
		obs = []eyedb.Observation{}
	}

	if err := json.NewEncoder(w).Encode(obs); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write observations")
	}
}

func (s *Server) latestFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	frame, ok := s.core.LatestFrame()
	if !ok {
		http.Error(w, "No frame captured yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	if err := jpeg.Encode(w, frame.Img, &jpeg.Options{Quality: 85}); err != nil {
		monitoring.Logf("api: encode latest frame: %v", err)
	}
}

func (s *Server) perceiveOnce(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	result, err := s.core.PerceiveSingle(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := map[string]interface{}{
		"event_id":    result.EventID,
		"detections":  result.Detection.Detections,
		"features":    result.Features,
		"alert_tags":  result.SortedTags(),
		"is_abnormal": result.IsAbnormal(),
	}
	if result.Analysis != nil {
		resp["analysis"] = result.Analysis
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write result")
	}
}

type targetsRequest struct {
	Targets []string `json:"targets"`
}

func (s *Server) setStage1Targets(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req targetsRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	if len(req.Targets) == 0 {
		s.writeJSONError(w, http.StatusBadRequest, "Empty target list")
		return
	}

	if !s.core.UpdateStage1Targets(req.Targets) {
		s.writeJSONError(w, http.StatusBadGateway, "Detector rejected vocabulary")
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"stage1_targets": req.Targets})
}

func (s *Server) setStage2Targets(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req targetsRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	if len(req.Targets) == 0 {
		s.writeJSONError(w, http.StatusBadRequest, "Empty target list")
		return
	}

	if !s.core.UpdateStage2Targets(req.Targets) {
		s.writeJSONError(w, http.StatusBadGateway, "Detector rejected vocabulary")
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"stage2_targets": req.Targets})
}

type policyRequest struct {
	Policy         string   `json:"policy"`
	RiskLevel      string   `json:"risk_level"`
	DynamicTargets []string `json:"dynamic_targets"`
}

func (s *Server) setPolicy(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req policyRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	switch req.RiskLevel {
	case "high", "normal", "low":
	default:
		s.writeJSONError(w, http.StatusBadRequest, "risk_level must be high, normal or low")
		return
	}

	s.core.UpdatePolicy(req.Policy, req.RiskLevel, req.DynamicTargets)
	json.NewEncoder(w).Encode(s.core.Status())
}

type muteRequest struct {
	Class string `json:"class"`
}

func (s *Server) muteClass(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req muteRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	if req.Class == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'class'")
		return
	}

	s.core.MuteClass(req.Class)
	json.NewEncoder(w).Encode(map[string]interface{}{"muted": s.core.MutedClasses()})
}

func (s *Server) unmuteClass(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req muteRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	if req.Class == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'class'")
		return
	}

	s.core.UnmuteClass(req.Class)
	json.NewEncoder(w).Encode(map[string]interface{}{"muted": s.core.MutedClasses()})
}

func (s *Server) decodePost(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}
