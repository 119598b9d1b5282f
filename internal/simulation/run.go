package simulation

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/alpharank/internal/domain/params"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Error kinds recorded per entity.
const (
	KindFetch = "fetch"
	KindInput = "input"
	KindStale = "stale"
)

// EntityError is one entity skipped in one period.
type EntityError struct {
	EntityID string    `json:"entity_id"`
	Season   int       `json:"season"`
	Period   int       `json:"period"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Config describes one simulation run.
type Config struct {
	Name        string `json:"name,omitempty"`
	Season      int    `json:"season"`
	StartPeriod int    `json:"start_period"`
	EndPeriod   int    `json:"end_period"`

	// Params pins an explicit parameter set. Otherwise Preset is loaded,
	// and failing both the harness defaults apply.
	Params *params.Set `json:"params,omitempty"`
	Preset string      `json:"preset,omitempty"`

	// Mode overrides the scoring mode of inputs that do not name one.
	Mode    string `json:"mode,omitempty"`
	Workers int    `json:"workers,omitempty"`

	// MinActivity is the population threshold. Nil takes the harness
	// default; an explicit 0 admits every entity with any activity.
	MinActivity *float64 `json:"min_activity,omitempty"`

	// ResumeFrom starts from a copy of an earlier run's state instead of
	// from empty state. The earlier run must be terminal.
	ResumeFrom string `json:"resume_from,omitempty"`
}

// Progress is a point-in-time snapshot of a run.
type Progress struct {
	RunID         string     `json:"run_id"`
	Name          string     `json:"name,omitempty"`
	Status        Status     `json:"status"`
	Phase         string     `json:"phase"`
	Season        int        `json:"season"`
	StartPeriod   int        `json:"start_period"`
	EndPeriod     int        `json:"end_period"`
	CurrentPeriod int        `json:"current_period"`
	PeriodsDone   int        `json:"periods_done"`
	TotalPeriods  int        `json:"total_periods"`
	Processed     int64      `json:"processed"`
	Skipped       int64      `json:"skipped"`
	Outliers      int64      `json:"outliers"`
	Errors        int        `json:"errors"`
	ParamsVersion string     `json:"params_version"`
	Preset        string     `json:"preset,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Phases reported in Progress.
const (
	PhaseQueued     = "queued"
	PhasePopulation = "population"
	PhaseRating     = "rating"
	PhaseWriting    = "writing"
	PhaseDone       = "done"
)

type run struct {
	id     string
	cfg    Config
	params *params.Set
	scope  string

	cancelRequested atomic.Bool
	done            chan struct{}

	processed atomic.Int64
	skipped   atomic.Int64
	outliers  atomic.Int64

	mu            sync.RWMutex
	status        Status
	phase         string
	currentPeriod int
	periodsDone   int
	errors        []EntityError
	errMsg        string
	created       time.Time
	started       time.Time
	finished      time.Time
}

func newRun(id string, cfg Config, snapshot *params.Set, scope string, now time.Time) *run {
	return &run{
		id:      id,
		cfg:     cfg,
		params:  snapshot,
		scope:   scope,
		done:    make(chan struct{}),
		status:  StatusPending,
		phase:   PhaseQueued,
		created: now,
	}
}

func (r *run) setPhase(phase string, period int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = phase
	if period > 0 {
		r.currentPeriod = period
	}
}

func (r *run) start(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusRunning
	r.started = now
}

func (r *run) periodDone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.periodsDone++
}

func (r *run) addErrors(errs []EntityError) {
	if len(errs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, errs...)
}

// finish moves the run to a terminal status exactly once.
func (r *run) finish(status Status, msg string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.status = status
	r.errMsg = msg
	r.phase = PhaseDone
	r.finished = now
	close(r.done)
	return true
}

func (r *run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *run) progress() Progress {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p := Progress{
		RunID:         r.id,
		Name:          r.cfg.Name,
		Status:        r.status,
		Phase:         r.phase,
		Season:        r.cfg.Season,
		StartPeriod:   r.cfg.StartPeriod,
		EndPeriod:     r.cfg.EndPeriod,
		CurrentPeriod: r.currentPeriod,
		PeriodsDone:   r.periodsDone,
		TotalPeriods:  r.cfg.EndPeriod - r.cfg.StartPeriod + 1,
		Processed:     r.processed.Load(),
		Skipped:       r.skipped.Load(),
		Outliers:      r.outliers.Load(),
		Errors:        len(r.errors),
		ParamsVersion: r.params.Version,
		Preset:        r.cfg.Preset,
		CreatedAt:     r.created,
		Error:         r.errMsg,
	}
	if !r.started.IsZero() {
		t := r.started
		p.StartedAt = &t
	}
	if !r.finished.IsZero() {
		t := r.finished
		p.FinishedAt = &t
	}
	return p
}

func (r *run) entityErrors() []EntityError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]EntityError(nil), r.errors...)
}
