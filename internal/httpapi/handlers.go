package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"meridian/internal/calendar"
	"meridian/internal/compliance"
	"meridian/internal/engine"
	"meridian/internal/feed"
	"meridian/internal/profile"
	logx "meridian/pkg/logx"
)

// maxBodyBytes caps request bodies; scheduling requests are small.
const maxBodyBytes = 1 << 20

type scheduleRequest struct {
	RequestID    string            `json:"request_id,omitempty"`
	Participants []string          `json:"participants,omitempty"`
	Profiles     []feed.ProfileDoc `json:"profiles,omitempty"`

	From     string `json:"from"`
	To       string `json:"to"`
	Duration string `json:"duration"`
	Quorum   int    `json:"quorum,omitempty"`
	Series   string `json:"series,omitempty"`

	AmberMin  string `json:"amber_min,omitempty"`
	GreenMin  string `json:"green_min,omitempty"`
	MinWindow string `json:"min_window,omitempty"`

	History []sessionJSON `json:"history,omitempty"`
}

type sessionJSON struct {
	Participant string    `json:"participant"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

type scheduleResponse struct {
	RequestID  string          `json:"request_id"`
	State      engine.State    `json:"state"`
	Candidates []candidateJSON `json:"candidates,omitempty"`
	NearMisses []nearMissJSON  `json:"near_misses,omitempty"`
	Reasons    []string        `json:"reasons,omitempty"`
	Error      *errorJSON      `json:"error,omitempty"`
}

type candidateJSON struct {
	Start        time.Time    `json:"start"`
	End          time.Time    `json:"end"`
	Participants []string     `json:"participants"`
	Urgency      string       `json:"urgency"`
	SlotStart    time.Time    `json:"slot_start"`
	SlotEnd      time.Time    `json:"slot_end"`
	Score        float64      `json:"score"`
	Rank         int          `json:"rank"`
	Compliance   []resultJSON `json:"compliance,omitempty"`
}

type resultJSON struct {
	RuleID       string   `json:"rule_id"`
	Kind         string   `json:"kind"`
	Jurisdiction string   `json:"jurisdiction"`
	Status       string   `json:"status"`
	Mandatory    bool     `json:"mandatory"`
	Participants []string `json:"participants,omitempty"`
	Explanation  string   `json:"explanation,omitempty"`
	Remediation  string   `json:"remediation,omitempty"`
}

type nearMissJSON struct {
	Start        *time.Time `json:"start,omitempty"`
	End          *time.Time `json:"end,omitempty"`
	Participants []string   `json:"participants,omitempty"`
	Reasons      []string   `json:"reasons"`
}

type errorJSON struct {
	Component string `json:"component,omitempty"`
	Input     string `json:"input,omitempty"`
	Message   string `json:"message"`
}

type acceptRequest struct {
	Series       string            `json:"series"`
	Start        time.Time         `json:"start"`
	End          time.Time         `json:"end"`
	Participants []string          `json:"participants,omitempty"`
	Profiles     []feed.ProfileDoc `json:"profiles,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	eng, err := toEngineRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.opt.Schedule(r.Context(), eng)
	if err != nil {
		s.log.Warn("schedule request failed",
			logx.String("request", result.RequestID), logx.Err(err))
		resp := scheduleResponse{
			RequestID: result.RequestID,
			State:     engine.StateFailed,
			Error:     toErrorJSON(err),
		}
		writeJSON(w, failureStatus(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(result))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	profiles, err := buildProfiles(req.Profiles)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err = s.opt.Accept(r.Context(), engine.AcceptRequest{
		Series:       req.Series,
		Start:        req.Start,
		End:          req.End,
		Participants: req.Participants,
		Profiles:     profiles,
	})
	if err != nil {
		writeJSON(w, failureStatus(err), scheduleResponse{
			State: engine.StateFailed,
			Error: toErrorJSON(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func toEngineRequest(req scheduleRequest) (engine.Request, error) {
	var out engine.Request

	from, err := calendar.ParseDate(req.From)
	if err != nil {
		return out, err
	}
	to, err := calendar.ParseDate(req.To)
	if err != nil {
		return out, err
	}
	dur, err := parseDuration("duration", req.Duration)
	if err != nil {
		return out, err
	}
	amber, err := parseDuration("amber_min", req.AmberMin)
	if err != nil {
		return out, err
	}
	green, err := parseDuration("green_min", req.GreenMin)
	if err != nil {
		return out, err
	}
	minWindow, err := parseDuration("min_window", req.MinWindow)
	if err != nil {
		return out, err
	}

	profiles, err := buildProfiles(req.Profiles)
	if err != nil {
		return out, err
	}

	out = engine.Request{
		ID:           req.RequestID,
		Participants: req.Participants,
		Profiles:     profiles,
		Range:        calendar.DateRange{From: from, To: to},
		Duration:     dur,
		Quorum:       req.Quorum,
		Series:       req.Series,
		MinWindow:    minWindow,
	}
	out.Thresholds.AmberMin = amber
	out.Thresholds.GreenMin = green
	for _, h := range req.History {
		out.History = append(out.History, compliance.Session{
			Participant: h.Participant,
			Start:       h.Start,
			End:         h.End,
		})
	}
	return out, nil
}

func buildProfiles(docs []feed.ProfileDoc) ([]profile.Profile, error) {
	var out []profile.Profile
	for _, doc := range docs {
		p, err := doc.Build()
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", doc.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func toScheduleResponse(res engine.Result) scheduleResponse {
	out := scheduleResponse{
		RequestID: res.RequestID,
		State:     res.State,
		Reasons:   res.Reasons,
	}
	for _, c := range res.Candidates {
		cj := candidateJSON{
			Start:        c.Window.Start,
			End:          c.Window.End,
			Participants: c.Window.Participants,
			Urgency:      string(c.Window.Urgency),
			SlotStart:    c.Slot.Start,
			SlotEnd:      c.Slot.End,
			Score:        c.Score,
			Rank:         c.Rank,
		}
		for _, r := range c.Compliance {
			cj.Compliance = append(cj.Compliance, resultJSON{
				RuleID:       r.RuleID,
				Kind:         string(r.Kind),
				Jurisdiction: r.Jurisdiction.String(),
				Status:       string(r.Status),
				Mandatory:    r.Mandatory,
				Participants: r.Participants,
				Explanation:  r.Explanation,
				Remediation:  r.Remediation,
			})
		}
		out.Candidates = append(out.Candidates, cj)
	}
	for _, n := range res.NearMisses {
		nj := nearMissJSON{Participants: n.Participants, Reasons: n.Reasons}
		if !n.Start.IsZero() {
			start, end := n.Start, n.End
			nj.Start, nj.End = &start, &end
		}
		out.NearMisses = append(out.NearMisses, nj)
	}
	return out
}

func toErrorJSON(err error) *errorJSON {
	var fe *engine.FailedError
	if errors.As(err, &fe) {
		return &errorJSON{Component: fe.Component, Input: fe.Input, Message: fe.Err.Error()}
	}
	return &errorJSON{Message: err.Error()}
}

// failureStatus maps the error taxonomy onto HTTP status codes: caller
// mistakes are 422, infrastructure trouble is 502, the rest 500.
func failureStatus(err error) int {
	var qe *engine.InsufficientQuorumError
	var pe *profile.InvalidProfileError
	switch {
	case errors.As(err, &qe), errors.As(err, &pe),
		errors.Is(err, calendar.ErrUnknownJurisdiction),
		errors.Is(err, profile.ErrNotFound):
		return http.StatusUnprocessableEntity
	}
	var rte *calendar.ResolveTimeoutError
	var cte *compliance.RuleTimeoutError
	if errors.As(err, &rte) || errors.As(err, &cte) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

func decodeStrict(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": errorJSON{Message: err.Error()}})
}
