package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ipsix/codeseal/internal/logging"
	"github.com/ipsix/codeseal/internal/scanner"
)

const DefaultTimeout = 2 * time.Minute

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type JobConfig struct {
	Name         string
	Plugin       string
	Schedule     string
	Timeout      time.Duration
	AllowOverlap bool
	RunOnStart   bool
}

type JobInfo struct {
	Name     string    `json:"name"`
	Plugin   string    `json:"plugin"`
	Schedule string    `json:"schedule"`
	Running  bool      `json:"running"`
	Next     time.Time `json:"next,omitempty"`
	LastRun  time.Time `json:"last_run,omitempty"`
}

type Scheduler struct {
	logger   *logging.Logger
	mgr      *scanner.Manager
	cron     *cron.Cron
	mu       sync.Mutex
	jobs     map[string]*job
	ctx      context.Context
	started  bool
	onResult func(scanner.Result)
}

func New(logger *logging.Logger, mgr *scanner.Manager) *Scheduler {
	return &Scheduler{
		logger: logger,
		mgr:    mgr,
		cron:   cron.New(cron.WithParser(parser)),
		jobs:   make(map[string]*job),
		ctx:    context.Background(),
	}
}

// SetOnResult registers a callback invoked after every successful run.
func (s *Scheduler) SetOnResult(fn func(scanner.Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResult = fn
}

func (s *Scheduler) AddJob(cfg JobConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if cfg.Plugin == "" {
		return fmt.Errorf("job plugin is required")
	}
	spec, schedule, err := parseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	cfg.Schedule = spec
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[cfg.Name]; exists {
		return fmt.Errorf("job %q already exists", cfg.Name)
	}

	j := &job{cfg: cfg}
	j.entry = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.executeJob(s.jobContext(), j)
	}))
	s.jobs[cfg.Name] = j
	return nil
}

// Start runs the RunOnStart jobs once and hands the rest to the cron loop.
// Cancelling ctx stops the loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = ctx
	var initial []*job
	for _, j := range s.jobs {
		if j.cfg.RunOnStart {
			initial = append(initial, j)
		}
	}
	s.mu.Unlock()

	for _, j := range initial {
		go s.executeJob(ctx, j)
	}
	s.cron.Start()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the cron loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// RunOnce executes a registered job synchronously, outside the schedule.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (*scanner.Result, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("job %q not found", name)
	}
	result, err := s.executeJob(ctx, j)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("job %q did not run", name)
	}
	return result, nil
}

func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{
			Name:     j.cfg.Name,
			Plugin:   j.cfg.Plugin,
			Schedule: j.cfg.Schedule,
			Running:  j.running.Load(),
			Next:     s.cron.Entry(j.entry).Next,
		}
		if last, ok := j.lastRun.Load().(time.Time); ok {
			info.LastRun = last
		}
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) executeJob(ctx context.Context, j *job) (result *scanner.Result, err error) {
	if !j.cfg.AllowOverlap {
		if !j.running.CompareAndSwap(false, true) {
			s.logger.Warn("job skipped due to overlap", logging.Field{Key: "job", Value: j.cfg.Name})
			return nil, nil
		}
		defer j.running.Store(false)
	}

	p, err := s.mgr.Get(j.cfg.Plugin)
	if err != nil {
		s.logger.Error("plugin lookup failed", logging.Field{Key: "job", Value: j.cfg.Name}, logging.Field{Key: "error", Value: err.Error()})
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	started := time.Now()
	j.lastRun.Store(started)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panic recovered",
				logging.Field{Key: "job", Value: j.cfg.Name},
				logging.Field{Key: "panic", Value: r},
				logging.Field{Key: "stack", Value: string(debug.Stack())},
			)
			result = nil
			err = fmt.Errorf("job %q panicked: %v", j.cfg.Name, r)
		}
	}()

	result, err = p.Run(runCtx)
	finished := time.Now()

	if err != nil {
		s.logger.Error("job failed",
			logging.Field{Key: "job", Value: j.cfg.Name},
			logging.Field{Key: "error", Value: err.Error()},
			logging.Field{Key: "duration", Value: finished.Sub(started).String()},
		)
		return nil, err
	}

	if result == nil {
		s.logger.Warn("job returned nil result", logging.Field{Key: "job", Value: j.cfg.Name})
		return nil, nil
	}

	result.StartedAt = started
	result.FinishedAt = finished
	result.Duration = finished.Sub(started)

	s.logger.Debug("job completed",
		logging.Field{Key: "job", Value: j.cfg.Name},
		logging.Field{Key: "status", Value: result.Status},
		logging.Field{Key: "duration", Value: result.Duration.String()},
		logging.Field{Key: "findings", Value: len(result.Findings)},
	)

	s.mu.Lock()
	onResult := s.onResult
	s.mu.Unlock()
	if onResult != nil {
		onResult(*result)
	}
	return result, nil
}

type job struct {
	cfg     JobConfig
	entry   cron.EntryID
	running atomic.Bool
	lastRun atomic.Value
}

// parseSchedule accepts standard five-field cron expressions, descriptors
// such as @hourly or @every 5m, and bare durations.
func parseSchedule(expr string) (string, cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", nil, fmt.Errorf("schedule is required")
	}
	if interval, err := time.ParseDuration(expr); err == nil {
		if interval <= 0 {
			return "", nil, fmt.Errorf("schedule interval must be positive")
		}
		expr = "@every " + expr
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return "", nil, fmt.Errorf("unsupported schedule %q: %w", expr, err)
	}
	return expr, schedule, nil
}
