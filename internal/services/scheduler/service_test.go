package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcotronics/docreply/internal/email/inbound/connector"
	"github.com/abcotronics/docreply/internal/models"
)

var quiet = log.New(io.Discard, "", 0)

type fakeFetcher struct {
	calls    int32
	accepted int
	err      error
	messages []*connector.Message
}

func (f *fakeFetcher) Protocol() string { return "imap" }

func (f *fakeFetcher) Fetch(ctx context.Context, _ connector.Mailbox, h connector.Handler) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	for _, m := range f.messages {
		_ = h.Handle(ctx, m)
	}
	return f.accepted, f.err
}

func testMailbox() connector.Mailbox {
	return connector.Mailbox{Type: "imaps", Host: "imap.example", Username: "replies", Password: "pw"}
}

func TestScheduleJobsRegistersEntries(t *testing.T) {
	job := &models.ScheduledJob{Slug: "test", Handler: "noop", Schedule: "* * * * *"}
	cronEngine := cron.New(cron.WithLocation(time.UTC))
	svc := NewService(WithJobs([]*models.ScheduledJob{job}), WithCron(cronEngine), WithLogger(quiet))
	t.Cleanup(func() { cronEngine.Stop() })

	svc.RegisterHandler("noop", func(context.Context, *models.ScheduledJob) error { return nil })
	svc.scheduleAllJobs()

	require.Contains(t, svc.slots, "test")
	assert.NotZero(t, svc.slots["test"].entry)

	svc.scheduleAllJobs()
	assert.Len(t, cronEngine.Entries(), 1)
}

func TestBadScheduleIsSkipped(t *testing.T) {
	cronEngine := cron.New(cron.WithLocation(time.UTC))
	svc := NewService(WithLogger(quiet), WithCron(cronEngine), WithJobs([]*models.ScheduledJob{
		{Slug: "bad", Handler: "noop", Schedule: "every tuesday"},
	}))
	svc.scheduleAllJobs()
	assert.Zero(t, svc.slots["bad"].entry)
	assert.Empty(t, cronEngine.Entries())
}

func TestExecuteJobRecordsState(t *testing.T) {
	job := &models.ScheduledJob{Slug: "run", Handler: "test", Schedule: "* * * * *"}
	cronEngine := cron.New(cron.WithLocation(time.UTC))
	svc := NewService(WithJobs([]*models.ScheduledJob{job}), WithCron(cronEngine), WithLogger(quiet))
	t.Cleanup(func() { cronEngine.Stop() })

	var ran int32
	fail := false
	svc.RegisterHandler("test", func(context.Context, *models.ScheduledJob) error {
		atomic.AddInt32(&ran, 1)
		if fail {
			return errors.New("boom")
		}
		return nil
	})
	svc.scheduleAllJobs()

	require.NoError(t, svc.RunNow("run"))
	state := svc.jobSnapshot("run")
	require.NotNil(t, state)
	assert.Equal(t, statusSuccess, state.LastStatus)
	assert.Nil(t, state.LastError)
	assert.NotNil(t, state.LastRunAt)
	assert.EqualValues(t, 1, state.Runs)

	fail = true
	assert.EqualError(t, svc.RunNow("run"), "run: boom")
	state = svc.jobSnapshot("run")
	assert.Equal(t, statusFailed, state.LastStatus)
	assert.EqualValues(t, 2, atomic.LoadInt32(&ran))
	assert.EqualValues(t, 2, state.Runs)
	assert.Equal(t, "boom", *state.LastError)

	assert.Error(t, svc.RunNow("missing"))
}

func TestExecuteJobRecoversPanicAndMissingHandler(t *testing.T) {
	svc := NewService(WithLogger(quiet), WithJobs([]*models.ScheduledJob{
		{Slug: "panics", Handler: "panic", Schedule: "@hourly"},
		{Slug: "orphan", Handler: "nobody", Schedule: "@hourly"},
	}))
	svc.RegisterHandler("panic", func(context.Context, *models.ScheduledJob) error { panic("bad") })

	assert.EqualError(t, svc.RunNow("panics"), "panics: panic: bad")
	assert.EqualError(t, svc.RunNow("orphan"), "orphan: handler nobody not registered")
}

func TestDefaultJobsNeedMailbox(t *testing.T) {
	assert.Empty(t, NewService(WithLogger(quiet)).Jobs())

	svc := NewService(WithLogger(quiet), WithPollSchedule("@every 5m"),
		WithMailbox(testMailbox(), connector.HandlerFunc(func(context.Context, *connector.Message) error { return nil })))
	jobs := svc.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobMailboxPoll, jobs[0].Slug)
	assert.Equal(t, "@every 5m", jobs[0].Schedule)
	assert.True(t, jobs[0].RunOnStartup)
}

func TestMailboxPollDrainsThroughRegistry(t *testing.T) {
	fetcher := &fakeFetcher{accepted: 2, messages: []*connector.Message{{UID: "1"}, {UID: "2"}}}
	var handled int32
	handler := connector.HandlerFunc(func(context.Context, *connector.Message) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})
	svc := NewService(WithLogger(quiet),
		WithConnectorRegistry(connector.NewRegistry(fetcher)),
		WithMailbox(testMailbox(), handler))

	require.NoError(t, svc.RunNow(JobMailboxPoll))
	assert.EqualValues(t, 1, atomic.LoadInt32(&fetcher.calls))
	assert.EqualValues(t, 2, atomic.LoadInt32(&handled))
	assert.Equal(t, 2.0, testutil.ToFloat64(svc.metrics.messages))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.polls.WithLabelValues("ok")))

	fetcher.err = errors.New("login failed")
	assert.Error(t, svc.RunNow(JobMailboxPoll))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.polls.WithLabelValues("error")))
}

func TestMailboxPollRejectsUnsupportedMailbox(t *testing.T) {
	mb := testMailbox()
	mb.Type = "exchange"
	svc := NewService(WithLogger(quiet),
		WithConnectorRegistry(connector.NewRegistry(&fakeFetcher{})),
		WithMailbox(mb, connector.HandlerFunc(func(context.Context, *connector.Message) error { return nil })))

	err := svc.RunNow(JobMailboxPoll)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mailbox type")
}

func TestMailboxPollWithoutMailbox(t *testing.T) {
	svc := NewService(WithLogger(quiet))
	err := svc.handleMailboxPoll(context.Background(), nil)
	assert.ErrorIs(t, err, errMailboxNotConfigured)
}

func TestRunStopsOnCancel(t *testing.T) {
	svc := NewService(WithLogger(quiet))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
