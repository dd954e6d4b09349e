package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukleadgen/leadgen-backend/internal/engine/cache"
	"github.com/ukleadgen/leadgen-backend/internal/engine/campaign"
	"github.com/ukleadgen/leadgen-backend/internal/engine/monitor"
	"github.com/ukleadgen/leadgen-backend/internal/engine/retry"
	"github.com/ukleadgen/leadgen-backend/internal/engine/scheduler"
	"github.com/ukleadgen/leadgen-backend/internal/engine/sink"
	"github.com/ukleadgen/leadgen-backend/pkg/logging"
	"github.com/ukleadgen/leadgen-backend/pkg/taskerror"
)

func fastRetry(attempts int) *campaign.RetrySpec {
	return &campaign.RetrySpec{
		Strategy:    string(retry.StrategyFixed),
		MaxAttempts: attempts,
		BaseDelay:   campaign.Duration(time.Millisecond),
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *sink.MemorySink) {
	t.Helper()
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.CampaignTimeout == 0 {
		cfg.CampaignTimeout = time.Minute
	}
	if cfg.StopOnErrorCount == 0 {
		cfg.StopOnErrorCount = 100
	}
	cfg.DefaultRetry = retry.Config{
		Strategy:    retry.StrategyFixed,
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
	}
	memSink := sink.NewMemorySink()
	e := New(cfg,
		cache.New(cache.DefaultConfig(), logging.NoopLogger{}),
		monitor.New(monitor.DefaultConfig(), logging.NoopLogger{}),
		memSink,
		logging.NoopLogger{},
	)
	t.Cleanup(e.Close)
	return e, memSink
}

func fiveTaskCampaign() *campaign.Campaign {
	return &campaign.Campaign{
		Name:         "uk-tech-smoke",
		DefaultRetry: fastRetry(5),
		Tasks: []campaign.TaskSpec{
			{ID: "scrape", Type: "scrape", Params: map[string]string{"city": "Leeds"}},
			{ID: "flaky-enrich", Type: "flaky", DependsOn: []string{"scrape"}},
			{ID: "score", Type: "ok", DependsOn: []string{"flaky-enrich"}},
			{ID: "dedupe", Type: "ok", DependsOn: []string{"scrape"}},
			{ID: "export", Type: "ok", DependsOn: []string{"score", "dedupe"}},
		},
	}
}

func TestEndToEnd_FailTwiceThenSucceed(t *testing.T) {
	e, memSink := newTestEngine(t, Config{})

	var flakyCalls int32
	e.RegisterHandler("scrape", func(context.Context, map[string]string) (interface{}, error) {
		return "24 leads", nil
	})
	e.RegisterHandler("flaky", func(context.Context, map[string]string) (interface{}, error) {
		if atomic.AddInt32(&flakyCalls, 1) < 3 {
			return nil, taskerror.Transientf("directory rate limited")
		}
		return "enriched", nil
	})
	e.RegisterHandler("ok", func(context.Context, map[string]string) (interface{}, error) {
		return "done", nil
	})

	id, err := e.Submit(fiveTaskCampaign())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	e.WaitForCompletion()

	st := e.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 5, st.Counts.Succeeded)
	assert.Equal(t, 0, st.Counts.Failed)
	assert.Equal(t, 100.0, st.ProgressPercent)
	assert.Equal(t, 100.0, st.SuccessRate)
	assert.Equal(t, int32(3), atomic.LoadInt32(&flakyCalls))

	// Every terminal task got a sink record, plus one campaign summary.
	assert.Len(t, memSink.Results(), 5)
	summaries := memSink.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, "uk-tech-smoke", summaries[0].Name)
	assert.Equal(t, 100.0, summaries[0].SuccessRate)
}

func TestPartialFailure_BlockedExcludedFromSuccessRate(t *testing.T) {
	e, memSink := newTestEngine(t, Config{})

	e.RegisterHandler("ok", func(context.Context, map[string]string) (interface{}, error) {
		return nil, nil
	})
	e.RegisterHandler("doomed", func(context.Context, map[string]string) (interface{}, error) {
		return nil, taskerror.Terminalf("listing page removed")
	})

	_, err := e.Submit(&campaign.Campaign{
		Name: "partial",
		Tasks: []campaign.TaskSpec{
			{ID: "good-1", Type: "ok"},
			{ID: "good-2", Type: "ok"},
			{ID: "bad", Type: "doomed"},
			{ID: "blocked-child", Type: "ok", DependsOn: []string{"bad"}},
		},
	})
	require.NoError(t, err)
	e.WaitForCompletion()

	st := e.Status()
	assert.Equal(t, 2, st.Counts.Succeeded)
	assert.Equal(t, 1, st.Counts.Failed)
	assert.Equal(t, 1, st.Counts.Blocked)

	// Blocked tasks never ran: 2 of 3 settled outcomes succeeded.
	assert.InDelta(t, 66.67, st.SuccessRate, 0.01)
	assert.Equal(t, 100.0, st.ProgressPercent)

	// Failures are enumerable with their final error, not just counted.
	require.Len(t, st.FailedTasks, 1)
	assert.Equal(t, "bad", st.FailedTasks[0].TaskID)
	assert.Equal(t, "doomed", st.FailedTasks[0].Type)
	assert.Equal(t, 1, st.FailedTasks[0].Attempts)
	assert.Contains(t, st.FailedTasks[0].Error, "listing page removed")
	require.Len(t, st.BlockedTasks, 1)
	assert.Equal(t, "blocked-child", st.BlockedTasks[0].TaskID)

	byID, ok := e.CampaignStatus(st.CampaignID)
	require.True(t, ok)
	assert.Equal(t, st.FailedTasks, byID.FailedTasks)
	assert.Equal(t, st.BlockedTasks, byID.BlockedTasks)

	// Blocked tasks produce no task record.
	assert.Len(t, memSink.Results(), 3)
	require.Len(t, memSink.Summaries(), 1)
	assert.Equal(t, 1, memSink.Summaries()[0].Blocked)
}

func TestCountBlockedAsFailedFlag(t *testing.T) {
	e, _ := newTestEngine(t, Config{CountBlockedAsFailed: true})

	e.RegisterHandler("ok", func(context.Context, map[string]string) (interface{}, error) {
		return nil, nil
	})
	e.RegisterHandler("doomed", func(context.Context, map[string]string) (interface{}, error) {
		return nil, taskerror.Terminalf("gone")
	})

	_, err := e.Submit(&campaign.Campaign{
		Name: "strict",
		Tasks: []campaign.TaskSpec{
			{ID: "good", Type: "ok"},
			{ID: "bad", Type: "doomed"},
			{ID: "child", Type: "ok", DependsOn: []string{"bad"}},
		},
	})
	require.NoError(t, err)
	e.WaitForCompletion()

	// 1 succeeded of 3 counted outcomes.
	assert.InDelta(t, 33.33, e.Status().SuccessRate, 0.01)
}

func TestPauseResume(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxConcurrent: 1})

	release := make(chan struct{})
	e.RegisterHandler("gated", func(ctx context.Context, _ map[string]string) (interface{}, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	_, err := e.Submit(&campaign.Campaign{
		Name: "pausable",
		Tasks: []campaign.TaskSpec{
			{ID: "a", Type: "gated"},
			{ID: "b", Type: "gated"},
			{ID: "c", Type: "gated"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, e.Pause())
	assert.Equal(t, StatePaused, e.Status().State)
	assert.Error(t, e.Pause(), "pausing twice is rejected")

	// Unblock the one task admitted before the pause; nothing new starts.
	release <- struct{}{}
	require.Eventually(t, func() bool {
		return e.Status().Counts.Succeeded == 1
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, e.Status().Counts.Running, "paused engine admits nothing")

	require.NoError(t, e.Resume())
	assert.Equal(t, StateRunning, e.Status().State)
	close(release)
	e.WaitForCompletion()
	assert.Equal(t, 3, e.Status().Counts.Succeeded)
}

func TestCampaignTimeout(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	e.RegisterHandler("slow", func(ctx context.Context, _ map[string]string) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := e.Submit(&campaign.Campaign{
		Name:    "sluggish",
		Timeout: campaign.Duration(50 * time.Millisecond),
		Tasks: []campaign.TaskSpec{
			{ID: "crawl", Type: "slow"},
			{ID: "never-starts", Type: "slow", DependsOn: []string{"crawl"}},
		},
	})
	require.NoError(t, err)
	e.WaitForCompletion()

	st := e.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 2, st.Counts.Failed)

	snap, ok := e.runs[st.CampaignID].sched.TaskSnapshot("crawl")
	require.True(t, ok)
	assert.Equal(t, taskerror.Timeout, taskerror.KindOf(snap.LastErr))
}

func TestStopOnErrorCount(t *testing.T) {
	e, _ := newTestEngine(t, Config{StopOnErrorCount: 2})

	e.RegisterHandler("bad", func(context.Context, map[string]string) (interface{}, error) {
		return nil, taskerror.Terminalf("broken selector")
	})
	e.RegisterHandler("slow", func(ctx context.Context, _ map[string]string) (interface{}, error) {
		select {
		case <-time.After(10 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	_, err := e.Submit(&campaign.Campaign{
		Name:          "error-budget",
		MaxConcurrent: 1,
		Tasks: []campaign.TaskSpec{
			{ID: "bad-1", Type: "bad", Priority: 3},
			{ID: "bad-2", Type: "bad", Priority: 2},
			{ID: "slow-1", Type: "slow", Priority: 1},
		},
	})
	require.NoError(t, err)
	e.WaitForCompletion()

	st := e.Status()
	assert.Equal(t, 0, st.Counts.Succeeded)
	assert.Equal(t, 3, st.Counts.Failed, "budget trip aborts the remainder")
	assert.GreaterOrEqual(t, st.ErrorCount, 2)
}

func TestCampaignStopOnErrorCountOverride(t *testing.T) {
	// The engine-wide budget is generous; the campaign's own is 1.
	e, _ := newTestEngine(t, Config{StopOnErrorCount: 100})

	e.RegisterHandler("bad", func(context.Context, map[string]string) (interface{}, error) {
		return nil, taskerror.Terminalf("broken selector")
	})
	e.RegisterHandler("slow", func(ctx context.Context, _ map[string]string) (interface{}, error) {
		select {
		case <-time.After(10 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	_, err := e.Submit(&campaign.Campaign{
		Name:             "tight-budget",
		MaxConcurrent:    1,
		StopOnErrorCount: 1,
		Tasks: []campaign.TaskSpec{
			{ID: "bad-1", Type: "bad", Priority: 2},
			{ID: "slow-1", Type: "slow", Priority: 1},
		},
	})
	require.NoError(t, err)
	e.WaitForCompletion()

	st := e.Status()
	assert.Equal(t, 0, st.Counts.Succeeded)
	assert.Equal(t, 2, st.Counts.Failed, "first failure trips the campaign budget")
}

func TestCacheMandatoryWithoutCache(t *testing.T) {
	memSink := sink.NewMemorySink()
	e := New(
		Config{
			MaxConcurrent:   2,
			CampaignTimeout: time.Minute,
			CacheMandatory:  true,
			DefaultRetry: retry.Config{
				Strategy:    retry.StrategyFixed,
				MaxAttempts: 1,
				BaseDelay:   time.Millisecond,
			},
		},
		nil, // no result cache configured
		monitor.New(monitor.DefaultConfig(), logging.NoopLogger{}),
		memSink,
		logging.NoopLogger{},
	)
	t.Cleanup(e.Close)

	var calls int32
	e.RegisterHandler("scrape", func(context.Context, map[string]string) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "payload", nil
	})

	_, err := e.Submit(&campaign.Campaign{
		Name:  "no-cache",
		Tasks: []campaign.TaskSpec{{ID: "a", Type: "scrape"}},
	})
	require.NoError(t, err)
	e.WaitForCompletion()

	st := e.Status()
	assert.Equal(t, 1, st.Counts.Failed)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "handler never runs without the mandatory cache")
	require.Len(t, st.FailedTasks, 1)
	assert.Contains(t, st.FailedTasks[0].Error, "caching is mandatory")
}

func TestNoCacheDegradesGracefully(t *testing.T) {
	e := New(
		Config{
			MaxConcurrent:   2,
			CampaignTimeout: time.Minute,
			DefaultRetry: retry.Config{
				Strategy:    retry.StrategyFixed,
				MaxAttempts: 1,
				BaseDelay:   time.Millisecond,
			},
		},
		nil,
		monitor.New(monitor.DefaultConfig(), logging.NoopLogger{}),
		sink.NewMemorySink(),
		logging.NoopLogger{},
	)
	t.Cleanup(e.Close)

	var calls int32
	e.RegisterHandler("scrape", func(context.Context, map[string]string) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "payload", nil
	})

	run := func(name string) {
		_, err := e.Submit(&campaign.Campaign{
			Name:  name,
			Tasks: []campaign.TaskSpec{{ID: "a", Type: "scrape"}},
		})
		require.NoError(t, err)
		e.WaitForCompletion()
	}
	run("first")
	run("second")

	assert.Equal(t, 1, e.Status().Counts.Succeeded)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "every run executes, nothing is cached")
}

func TestOperatorStop(t *testing.T) {
	e, memSink := newTestEngine(t, Config{})

	e.RegisterHandler("slow", func(ctx context.Context, _ map[string]string) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := e.Submit(&campaign.Campaign{
		Name:  "interrupted",
		Tasks: []campaign.TaskSpec{{ID: "a", Type: "slow"}},
	})
	require.NoError(t, err)

	require.NoError(t, e.Stop())
	assert.Equal(t, StateStopped, e.Status().State)
	require.Len(t, memSink.Summaries(), 1)

	assert.Error(t, e.Stop(), "second stop has nothing to do")
}

func TestSingleActiveCampaign(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	e.RegisterHandler("slow", func(ctx context.Context, _ map[string]string) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	first := &campaign.Campaign{Name: "first", Tasks: []campaign.TaskSpec{{ID: "a", Type: "slow"}}}
	_, err := e.Submit(first)
	require.NoError(t, err)

	second := &campaign.Campaign{Name: "second", Tasks: []campaign.TaskSpec{{ID: "b", Type: "slow"}}}
	_, err = e.Submit(second)
	assert.Error(t, err, "one campaign at a time")

	require.NoError(t, e.Stop())
	_, err = e.Submit(second)
	assert.NoError(t, err, "stopped engine accepts a new campaign")
	_ = e.Stop()
}

func TestSubmitValidation(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	e.RegisterHandler("ok", func(context.Context, map[string]string) (interface{}, error) {
		return nil, nil
	})

	_, err := e.Submit(&campaign.Campaign{Name: "", Tasks: []campaign.TaskSpec{{ID: "a", Type: "ok"}}})
	assert.Error(t, err, "invalid campaign")

	_, err = e.Submit(&campaign.Campaign{
		Name:  "unknown-type",
		Tasks: []campaign.TaskSpec{{ID: "a", Type: "unregistered"}},
	})
	assert.Error(t, err, "missing handler")

	_, err = e.Submit(&campaign.Campaign{
		Name: "cyclic",
		Tasks: []campaign.TaskSpec{
			{ID: "a", Type: "ok", DependsOn: []string{"b"}},
			{ID: "b", Type: "ok", DependsOn: []string{"a"}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, taskerror.Cycle, taskerror.KindOf(err))
	assert.Equal(t, StateStopped, e.Status().State, "rejected campaign leaves the engine idle")
}

func TestCacheShortCircuitsRepeatedTasks(t *testing.T) {
	e, memSink := newTestEngine(t, Config{})

	var calls int32
	e.RegisterHandler("scrape", func(context.Context, map[string]string) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "payload", nil
	})

	params := map[string]string{"city": "Leeds", "sector": "plumbing"}
	run := func(name string) {
		_, err := e.Submit(&campaign.Campaign{
			Name:  name,
			Tasks: []campaign.TaskSpec{{ID: "scrape-leeds", Type: "scrape", Params: params}},
		})
		require.NoError(t, err)
		e.WaitForCompletion()
	}

	run("first-pass")
	run("second-pass")

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second campaign served from cache")

	results := memSink.Results()
	require.Len(t, results, 2)
	assert.False(t, results[0].FromCache)
	assert.True(t, results[1].FromCache)
}

func TestOnTransitionAndCompletionCallbacks(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	var transitions int32
	e.OnTransition(func(ev scheduler.TransitionEvent) {
		atomic.AddInt32(&transitions, 1)
	})
	done := make(chan sink.CampaignSummary, 1)
	e.OnCompletion(func(s sink.CampaignSummary) { done <- s })

	e.RegisterHandler("ok", func(context.Context, map[string]string) (interface{}, error) {
		return nil, nil
	})
	_, err := e.Submit(&campaign.Campaign{
		Name:  "observed",
		Tasks: []campaign.TaskSpec{{ID: "a", Type: "ok"}},
	})
	require.NoError(t, err)

	select {
	case summary := <-done:
		assert.Equal(t, "observed", summary.Name)
		assert.Equal(t, 1, summary.Succeeded)
	case <-time.After(5 * time.Second):
		t.Fatal("completion callback never fired")
	}
	// READY -> RUNNING -> SUCCEEDED
	assert.GreaterOrEqual(t, atomic.LoadInt32(&transitions), int32(3))
}
