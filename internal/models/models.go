package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Enums

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether a status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

type AssetType string

const (
	AssetTypeImage AssetType = "image"
	AssetTypeAudio AssetType = "audio"
	AssetTypeSRT   AssetType = "srt"
	AssetTypeVideo AssetType = "video"
)

type QualityMode string

const (
	QualityProxy QualityMode = "PROXY"
	QualityFinal QualityMode = "FINAL"
)

// Pipeline stages, in execution order.
const (
	StageQueued    = "queued"
	StageImages    = "images"
	StageTTS       = "tts"
	StageSubtitles = "subtitles"
	StageStitch    = "stitch"
	StageUpload    = "upload"
	StagePublish   = "publish"
	StageCompleted = "completed"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// ---------------------------------------------------------------------------
// Render plan: the immutable job payload submitted by an external caller.
// Scene durations and the pace multiplier arrive from upstream JSON and may be
// encoded as strings, integers, or floats; they are coerced once, up front,
// via Scenes()/PaceMultiplier() rather than compared loosely downstream.
// ---------------------------------------------------------------------------

type ScenePlan struct {
	Prompt    string      `json:"prompt"`
	Narration string      `json:"narration"`
	Duration  interface{} `json:"duration"` // seconds; string/int/float accepted
}

type RenderPlan struct {
	Topic     string      `json:"topic"`
	Language  string      `json:"language,omitempty"`
	Voice     string      `json:"voice,omitempty"`
	Pace      interface{} `json:"pace,omitempty"` // speech pace multiplier, default 1.0
	Quality   QualityMode `json:"quality,omitempty"`
	Watermark string      `json:"watermark,omitempty"` // watermark text drawn bottom-right, empty = none
	Music     bool        `json:"music,omitempty"`     // mix background music into the final video
	Publish   bool        `json:"publish,omitempty"`   // resolve a public URL after upload
	Scenes    []ScenePlan `json:"scenes"`
}

// Scene is the normalized, numeric form of a ScenePlan, derived once per run.
type Scene struct {
	Index     int
	Prompt    string
	Narration string
	Duration  float64 // target seconds
}

// Value/Scan let a RenderPlan live in a JSONB column.
func (p RenderPlan) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *RenderPlan) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, p)
}

// NormalizedScenes validates the plan and coerces every scene duration to a
// float. A plan with no scenes, an empty prompt/narration, or a non-numeric
// duration is rejected here, before any provider is called.
func (p *RenderPlan) NormalizedScenes() ([]Scene, error) {
	if len(p.Scenes) == 0 {
		return nil, fmt.Errorf("plan has no scenes")
	}

	scenes := make([]Scene, len(p.Scenes))
	for i, sp := range p.Scenes {
		if strings.TrimSpace(sp.Prompt) == "" {
			return nil, fmt.Errorf("scene %d has an empty prompt", i)
		}
		if strings.TrimSpace(sp.Narration) == "" {
			return nil, fmt.Errorf("scene %d has an empty narration", i)
		}

		dur, err := CoerceFloat(sp.Duration, fmt.Sprintf("scenes[%d].duration", i))
		if err != nil {
			return nil, err
		}
		if dur <= 0 {
			return nil, fmt.Errorf("scenes[%d].duration must be positive, got %v", i, dur)
		}

		scenes[i] = Scene{
			Index:     i,
			Prompt:    sp.Prompt,
			Narration: sp.Narration,
			Duration:  dur,
		}
	}

	return scenes, nil
}

// PaceMultiplier returns the plan's pace as a float, defaulting to 1.0.
func (p *RenderPlan) PaceMultiplier() (float64, error) {
	if p.Pace == nil {
		return 1.0, nil
	}
	pace, err := CoerceFloat(p.Pace, "pace")
	if err != nil {
		return 0, err
	}
	if pace <= 0 {
		return 0, fmt.Errorf("pace must be positive, got %v", pace)
	}
	return pace, nil
}

// QualityOrDefault returns the plan's quality mode, defaulting to FINAL.
func (p *RenderPlan) QualityOrDefault() QualityMode {
	if p.Quality == QualityProxy {
		return QualityProxy
	}
	return QualityFinal
}

// CoerceFloat normalizes an upstream JSON value to a float64. Inputs may be
// floats, integers, json.Number, or numeric strings; anything else is a typed
// failure naming the field, never a silent wrong-type comparison.
func CoerceFloat(v interface{}, field string) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("expected numeric value for %s, got %q", field, x.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("expected numeric value for %s, got %q", field, x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected numeric value for %s, got %T", field, v)
	}
}

// ---------------------------------------------------------------------------
// Job is the durable queue record. Lock/status fields are mutated only by the
// job store; stage/progress/error fields only by the worker holding the lease.
// ---------------------------------------------------------------------------

type Job struct {
	ID              uuid.UUID  `json:"id"`
	Plan            RenderPlan `json:"plan"`
	Status          JobStatus  `json:"status"`
	LockToken       *string    `json:"lock_token,omitempty"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	Stage           string     `json:"stage"`
	Progress        int        `json:"progress"` // 0-100
	Attempts        int        `json:"attempts"`
	ErrorCode       *string    `json:"error_code,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	ParentJobID     *uuid.UUID `json:"parent_job_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Asset is a produced artifact, job-scoped and write-once.
type Asset struct {
	Type  AssetType `json:"type"`
	Path  string    `json:"path"` // relative to the job's work directory
	Label string    `json:"label"`
}

// StageTiming records how long one pipeline stage took.
type StageTiming struct {
	Stage      string `json:"stage"`
	DurationMs int64  `json:"duration_ms"`
}

// SummarySchemaVersion is bumped whenever the JobSummary JSON layout changes.
// Decoding a summary with an unknown version returns ErrSummaryVersion.
const SummarySchemaVersion = 1

// JobSummary is the durable record of one orchestration run: written exactly
// once per run, immutable after write, overwritten only when the job is
// re-leased and re-run.
type JobSummary struct {
	SchemaVersion int            `json:"schema_version"`
	JobID         uuid.UUID      `json:"job_id"`
	State         string         `json:"state"` // completed | error | cancelled
	Error         *PipelineError `json:"error,omitempty"`
	StageTimings  []StageTiming  `json:"stage_timings"`
	Assets        []Asset        `json:"assets"`
	FinalVideo    string         `json:"final_video,omitempty"`
	Plan          RenderPlan     `json:"plan"`
	ElapsedMs     int64          `json:"elapsed_ms"`
	CreatedAt     time.Time      `json:"created_at"`
}

// DTOs for the external status surface

type SubmitJobRequest struct {
	Plan        RenderPlan `json:"plan"`
	ParentJobID *uuid.UUID `json:"parent_job_id,omitempty"`
}

type SubmitJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}

type JobStatusResponse struct {
	JobID        uuid.UUID `json:"job_id"`
	Status       JobStatus `json:"status"`
	Stage        string    `json:"stage"`
	Progress     int       `json:"progress"`
	Assets       []Asset   `json:"assets,omitempty"`
	FinalVideo   string    `json:"final_video,omitempty"`
	ErrorCode    *string   `json:"error_code,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
