// Package scheduler runs the background jobs of the reply pipeline on cron
// schedules.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/abcotronics/docreply/internal/email/inbound/connector"
	"github.com/abcotronics/docreply/internal/models"
)

const (
	statusSuccess = "success"
	statusFailed  = "failed"

	stopGrace = 5 * time.Second
)

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Handler executes a scheduled job.
type Handler func(context.Context, *models.ScheduledJob) error

// slot is one job definition, its run state and its cron entry (zero until
// scheduled).
type slot struct {
	job   *models.ScheduledJob
	entry cron.EntryID
}

// Service owns the cron engine and the state of every job.
type Service struct {
	mu       sync.RWMutex
	slots    map[string]*slot
	handlers map[string]Handler

	cron     *cron.Cron
	location *time.Location
	logger   *log.Logger
	base     context.Context
	started  sync.Once
	stopped  sync.Once

	defs         []*models.ScheduledJob
	customDefs   bool
	pollSchedule string
	registerer   prometheus.Registerer

	registry *connector.Registry
	mailbox  *connector.Mailbox
	inbound  connector.Handler
	metrics  *pollMetrics
	pollMu   sync.Mutex
}

// NewService builds the scheduler. The mailbox poll job is only defined when
// WithMailbox is given.
func NewService(opts ...Option) *Service {
	s := &Service{
		slots:        make(map[string]*slot),
		handlers:     make(map[string]Handler),
		location:     time.UTC,
		logger:       log.Default(),
		pollSchedule: DefaultPollSchedule,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLocation(s.location))
	}
	if s.registry == nil {
		s.registry = connector.DefaultRegistry()
	}
	s.metrics = newPollMetrics(s.registerer)

	if !s.customDefs {
		s.defs = defaultJobs(s.pollSchedule, s.mailbox != nil)
	}
	for _, def := range s.defs {
		if def == nil || def.Slug == "" || def.Schedule == "" {
			continue
		}
		s.slots[def.Slug] = &slot{job: def.Clone()}
	}
	s.defs = nil
	s.registerBuiltinHandlers()
	return s
}

// Run schedules every job, fires the startup jobs, and blocks until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.started.Do(func() {
		s.base = ctx
		s.scheduleAllJobs()
		s.cron.Start()
		for _, slug := range s.startupSlugs() {
			go s.runLogged(slug)
		}
	})
	<-ctx.Done()
	s.stop()
	return nil
}

func (s *Service) startupSlugs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for slug, sl := range s.slots {
		if sl.job.RunOnStartup {
			out = append(out, slug)
		}
	}
	return out
}

func (s *Service) scheduleAllJobs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for slug, sl := range s.slots {
		if sl.entry != 0 {
			continue
		}
		schedule, err := specParser.Parse(sl.job.Schedule)
		if err != nil {
			s.logger.Printf("scheduler: job %s has bad schedule %q: %v", slug, sl.job.Schedule, err)
			continue
		}
		// a slow mailbox must not stack polls
		job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).
			Then(cron.FuncJob(func() { s.runLogged(slug) }))
		sl.entry = s.cron.Schedule(schedule, job)
	}
}

func (s *Service) stop() {
	s.stopped.Do(func() {
		select {
		case <-s.cron.Stop().Done():
		case <-time.After(stopGrace):
			s.logger.Printf("scheduler: jobs still running after %s, giving up", stopGrace)
		}
	})
}

// RunNow executes a job immediately, outside its schedule, and returns the
// job's error.
func (s *Service) RunNow(slug string) error {
	err := s.run(slug)
	if err != nil {
		return fmt.Errorf("%s: %w", slug, err)
	}
	return nil
}

func (s *Service) runLogged(slug string) {
	if err := s.run(slug); err != nil {
		s.logger.Printf("scheduler: job %s failed: %v", slug, err)
	}
}

func (s *Service) run(slug string) error {
	s.mu.RLock()
	sl, ok := s.slots[slug]
	var job *models.ScheduledJob
	var handler Handler
	if ok {
		job = sl.job.Clone()
		handler = s.handlers[job.Handler]
	}
	s.mu.RUnlock()
	if !ok {
		return errUnknownJob
	}

	start := s.now()
	var err error
	if handler == nil {
		err = fmt.Errorf("handler %s not registered", job.Handler)
	} else {
		err = s.invoke(handler, job)
	}
	s.record(slug, start, s.now(), err)
	return err
}

func (s *Service) invoke(handler Handler, job *models.ScheduledJob) (err error) {
	ctx := s.base
	if ctx == nil {
		ctx = context.Background()
	}
	if job.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (s *Service) record(slug string, start, finish time.Time, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[slug]
	if !ok {
		return
	}
	job := sl.job
	job.Runs++
	job.LastRunAt = &finish
	job.LastDurationMS = finish.Sub(start).Milliseconds()
	job.LastStatus, job.LastError = statusSuccess, nil
	if runErr != nil {
		msg := runErr.Error()
		job.LastStatus, job.LastError = statusFailed, &msg
	}
	job.NextRunAt = nil
	if sl.entry != 0 {
		if next := s.cron.Entry(sl.entry).Next; !next.IsZero() {
			next = next.In(s.location)
			job.NextRunAt = &next
		}
	}
}

// Jobs returns a snapshot of every job, ordered by slug.
func (s *Service) Jobs() []*models.ScheduledJob {
	s.mu.RLock()
	out := make([]*models.ScheduledJob, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, sl.job.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

func (s *Service) jobSnapshot(slug string) *models.ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sl, ok := s.slots[slug]; ok {
		return sl.job.Clone()
	}
	return nil
}

func (s *Service) now() time.Time {
	return time.Now().In(s.location)
}

// RegisterHandler attaches or replaces a handler. Passing nil removes it.
func (s *Service) RegisterHandler(name string, handler Handler) {
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if handler == nil {
		delete(s.handlers, name)
		return
	}
	s.handlers[name] = handler
}
