package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	maxBodyBytes        = 1 << 20
)

type statusResponse struct {
	discovery.RunState
	NextRun *time.Time `json:"next_run,omitempty"`
}

type quotaResponse struct {
	discovery.QuotaRecord
	Remaining int64 `json:"remaining"`
}

// settingsRequest is the PUT /settings body. Every field is required, so a
// nil pointer marks a field the client left out.
type settingsRequest struct {
	MaxVideosPerRun      *int      `json:"max_videos_per_run"`
	MaxAPIRequestsPerRun *int      `json:"max_api_requests_per_run"`
	MinVideoViews        *int64    `json:"min_video_views"`
	Keywords             *[]string `json:"keywords"`
	TitleWeight          *float64  `json:"title_weight"`
	DescriptionWeight    *float64  `json:"description_weight"`
	TagsWeight           *float64  `json:"tags_weight"`
	MinimumTotalScore    *float64  `json:"minimum_total_score"`
	MinDurationMinutes   *int      `json:"min_duration_minutes"`
	MaxDurationMinutes   *int      `json:"max_duration_minutes"`
	MinLikes             *int64    `json:"min_likes"`
}

// settings converts the request, naming every missing field in the error.
func (req settingsRequest) settings() (discovery.Settings, error) {
	var (
		out     discovery.Settings
		missing []string
	)
	take := func(name string, present bool, set func()) {
		if !present {
			missing = append(missing, name)
			return
		}
		set()
	}
	take("max_videos_per_run", req.MaxVideosPerRun != nil, func() { out.MaxVideosPerRun = *req.MaxVideosPerRun })
	take("max_api_requests_per_run", req.MaxAPIRequestsPerRun != nil, func() { out.MaxAPIRequestsPerRun = *req.MaxAPIRequestsPerRun })
	take("min_video_views", req.MinVideoViews != nil, func() { out.MinVideoViews = *req.MinVideoViews })
	take("keywords", req.Keywords != nil, func() { out.Keywords = *req.Keywords })
	take("title_weight", req.TitleWeight != nil, func() { out.TitleWeight = *req.TitleWeight })
	take("description_weight", req.DescriptionWeight != nil, func() { out.DescriptionWeight = *req.DescriptionWeight })
	take("tags_weight", req.TagsWeight != nil, func() { out.TagsWeight = *req.TagsWeight })
	take("minimum_total_score", req.MinimumTotalScore != nil, func() { out.MinimumTotalScore = *req.MinimumTotalScore })
	take("min_duration_minutes", req.MinDurationMinutes != nil, func() { out.MinDurationMinutes = *req.MinDurationMinutes })
	take("max_duration_minutes", req.MaxDurationMinutes != nil, func() { out.MaxDurationMinutes = *req.MaxDurationMinutes })
	take("min_likes", req.MinLikes != nil, func() { out.MinLikes = *req.MinLikes })
	if len(missing) > 0 {
		return discovery.Settings{}, fmt.Errorf("%w: missing required fields: %s",
			discovery.ErrInvalidSettings, strings.Join(missing, ", "))
	}
	return out, nil
}

func (s *Server) status() statusResponse {
	resp := statusResponse{RunState: s.opts.Controller.Status()}
	if next, ok := s.opts.Scheduler.Next(); ok {
		resp.NextRun = &next
	}
	return resp
}

// startRun handles POST /v1/discovery/start. It answers 202 with the new run
// id or 409 when a run is already active.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	runID, err := s.opts.Controller.Start(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "accepted"})
	case errors.Is(err, discovery.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "discovery run already in progress")
	case errors.Is(err, discovery.ErrInvalidSettings):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, "start run failed", err)
	}
}

// stopRun handles POST /v1/discovery/stop. Stopping is always accepted; the
// run ends at its next safe point.
func (s *Server) stopRun(w http.ResponseWriter, _ *http.Request) {
	wasRunning := s.opts.Controller.Stop()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "was_running": wasRunning})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.opts.Controller.CurrentSettings(r.Context())
	if err != nil {
		s.internalError(w, "load settings failed", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeStrict(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	settings, err := req.settings()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := settings.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.opts.Store.PutSettings(r.Context(), settings); err != nil {
		s.internalError(w, "save settings failed", err)
		return
	}
	s.logger.Info("settings updated", zap.Strings("keywords", settings.Keywords))
	writeJSON(w, http.StatusOK, settings)
}

// getHistory handles GET /v1/discovery/history?limit=. Runs are returned
// newest first.
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.opts.Store.ListRuns(r.Context(), limit)
	if err != nil {
		s.internalError(w, "list runs failed", err)
		return
	}
	if runs == nil {
		runs = []discovery.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getCron(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Scheduler.Config())
}

// putCron persists the schedule and re-arms the driver.
func (s *Server) putCron(w http.ResponseWriter, r *http.Request) {
	var cfg discovery.CronConfig
	if err := decodeStrict(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.opts.Store.PutCronConfig(r.Context(), cfg); err != nil {
		s.internalError(w, "save cron config failed", err)
		return
	}
	if err := s.opts.Scheduler.Reload(cfg); err != nil {
		s.internalError(w, "reload schedule failed", err)
		return
	}
	resp := map[string]any{"cron": cfg}
	if next, ok := s.opts.Scheduler.Next(); ok {
		resp["next_run"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	rec, err := s.opts.Quota.Usage(r.Context())
	if err != nil {
		s.internalError(w, "load quota usage failed", err)
		return
	}
	writeJSON(w, http.StatusOK, quotaResponse{QuotaRecord: rec, Remaining: rec.Remaining()})
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func decodeStrict(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return errors.New("invalid JSON: trailing data")
	}
	return nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}
