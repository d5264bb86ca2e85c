package webhook

import (
	"encoding/json"
	"errors"
	"math"
	"strings"

	"github.com/google/uuid"
)

var ErrMissingJobID = errors.New("customData.jobId is missing or invalid")

// Outcome is either Success or Failure. It is resolved once from the raw
// payload so nothing downstream inspects status strings.
type Outcome interface {
	isOutcome()
}

type Success struct {
	JobID         uuid.UUID
	Attempt       int
	RenderID      string
	OutputURL     string
	RenderSeconds int64
	RenderPixels  int64
}

type Failure struct {
	JobID    uuid.UUID
	Attempt  int
	RenderID string
	Message  string
}

func (Success) isOutcome() {}
func (Failure) isOutcome() {}

// JobIDOf returns the correlation id carried by o.
func JobIDOf(o Outcome) uuid.UUID {
	switch o := o.(type) {
	case Success:
		return o.JobID
	case Failure:
		return o.JobID
	}
	return uuid.Nil
}

// AttemptOf returns the render attempt echoed back in o, or 0 when the
// sender did not report one.
func AttemptOf(o Outcome) int {
	switch o := o.(type) {
	case Success:
		return o.Attempt
	case Failure:
		return o.Attempt
	}
	return 0
}

// Bounds applied to renderer-reported usage.
const (
	maxRenderSeconds = 7 * 24 * 60 * 60
	maxDimension     = 1 << 16
	maxFrames        = 1 << 24
	maxAttempt       = 1 << 30
)

// The payload is decoded in independent layers so a malformed optional field
// never hides the correlation id or the outcome.
type correlation struct {
	CustomData struct {
		JobID   string          `json:"jobId"`
		Attempt json.RawMessage `json:"attempt"`
	} `json:"customData"`
}

type event struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	RenderID   string `json:"renderId"`
	OutputFile string `json:"outputFile"`
}

type eventErrors struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type renderStats struct {
	RenderSeconds json.RawMessage `json:"renderSeconds"`
	Width         json.RawMessage `json:"width"`
	Height        json.RawMessage `json:"height"`
	Frames        json.RawMessage `json:"frames"`
}

// Parse decodes a verified payload. A nil Outcome with a nil error means the
// event carries no usable outcome and should be acknowledged and ignored.
func Parse(body []byte) (Outcome, error) {
	var c correlation
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, ErrMissingJobID
	}
	jobID, err := uuid.Parse(strings.TrimSpace(c.CustomData.JobID))
	if err != nil {
		return nil, ErrMissingJobID
	}
	attempt := int(bounded(c.CustomData.Attempt, 0, maxAttempt))

	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, nil
	}
	kind := ev.Type
	if kind == "" {
		kind = ev.Status
	}
	switch strings.ToLower(kind) {
	case "success", "completed", "done":
		var st renderStats
		_ = json.Unmarshal(body, &st)
		return Success{
			JobID:         jobID,
			Attempt:       attempt,
			RenderID:      ev.RenderID,
			OutputURL:     ev.OutputFile,
			RenderSeconds: bounded(st.RenderSeconds, 0, maxRenderSeconds),
			RenderPixels:  pixels(st),
		}, nil
	case "error", "failure", "failed", "timeout":
		var ee eventErrors
		_ = json.Unmarshal(body, &ee)
		msgs := make([]string, 0, len(ee.Errors))
		for _, e := range ee.Errors {
			if m := strings.TrimSpace(e.Message); m != "" {
				msgs = append(msgs, m)
			}
		}
		msg := strings.Join(msgs, "; ")
		if msg == "" {
			msg = "render " + strings.ToLower(kind)
		}
		return Failure{JobID: jobID, Attempt: attempt, RenderID: ev.RenderID, Message: msg}, nil
	}
	return nil, nil
}

// pixels is width*height*frames, zero when either dimension is missing.
// The bounds keep the product below 2^56.
func pixels(st renderStats) int64 {
	w := bounded(st.Width, 0, maxDimension)
	h := bounded(st.Height, 0, maxDimension)
	if w == 0 || h == 0 {
		return 0
	}
	frames := bounded(st.Frames, 0, maxFrames)
	if frames == 0 {
		frames = 1
	}
	return w * h * frames
}

// bounded reads a JSON number rounded to the nearest integer and clamped to
// [lo, hi]. Anything that is not a number yields lo.
func bounded(raw json.RawMessage, lo, hi int64) int64 {
	if len(raw) == 0 {
		return lo
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return lo
	}
	f = math.Round(f)
	switch {
	case f <= float64(lo):
		return lo
	case f >= float64(hi):
		return hi
	}
	return int64(f)
}
