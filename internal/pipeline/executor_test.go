package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civiclake/internal/queue"
	"civiclake/pkg/errors"
)

func newTestExecutor() (*Executor, *[]time.Duration) {
	exec := NewExecutor(nil)
	var delays []time.Duration
	exec.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return exec, &delays
}

func taskState(resource, next string) *State {
	s := &State{Type: StateTask, Resource: resource}
	if next == "" {
		s.End = true
	} else {
		s.Next = next
	}
	return s
}

func TestExecuteSequence(t *testing.T) {
	exec, _ := newTestExecutor()

	var order []string
	record := func(name string) TaskHandler {
		return func(ctx context.Context, rc *RunContext) error {
			order = append(order, name)
			return nil
		}
	}
	exec.RegisterTask("first", record("first"))
	exec.RegisterTask("second", record("second"))

	def := &Definition{
		StartAt: "A",
		States: map[string]*State{
			"A":    taskState("first", "B"),
			"B":    taskState("second", "Done"),
			"Done": {Type: StateSucceed},
		},
	}

	result, err := exec.Execute(context.Background(), def, NewRunContext("run-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, "Done", result.Terminal)
	assert.False(t, result.Failed)
	assert.Len(t, result.History, 3)
}

func TestExecuteRetryBackoff(t *testing.T) {
	exec, delays := newTestExecutor()

	var calls int
	exec.RegisterTask("flaky", func(ctx context.Context, rc *RunContext) error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrCodeStorageTimeout, "transient")
		}
		return nil
	})

	def := &Definition{
		StartAt: "A",
		States: map[string]*State{
			"A": {
				Type:     StateTask,
				Resource: "flaky",
				Retry: []RetryPolicy{{
					ErrorEquals:     []string{MatchAll},
					MaxAttempts:     3,
					IntervalSeconds: 2,
					BackoffRate:     2,
				}},
				End: true,
			},
		},
	}

	result, err := exec.Execute(context.Background(), def, NewRunContext("run-1"))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *delays)
	assert.Equal(t, 3, result.History[0].Attempts)
}

func TestExecuteRetryExhaustedRoutesToCatch(t *testing.T) {
	exec, _ := newTestExecutor()

	var caught bool
	exec.RegisterTask("broken", func(ctx context.Context, rc *RunContext) error {
		return errors.New(errors.ErrCodeStorageUnavailable, "still down")
	})
	exec.RegisterTask("cleanup", func(ctx context.Context, rc *RunContext) error {
		caught = true
		return nil
	})

	def := &Definition{
		StartAt: "A",
		States: map[string]*State{
			"A": {
				Type:     StateTask,
				Resource: "broken",
				Retry: []RetryPolicy{{
					ErrorEquals: []string{MatchAll}, MaxAttempts: 2, IntervalSeconds: 1, BackoffRate: 2,
				}},
				Catch: []CatchClause{{ErrorEquals: []string{MatchAll}, Next: "Cleanup"}},
				Next:  "Done",
			},
			"Cleanup": taskState("cleanup", "Done"),
			"Done":    {Type: StateSucceed},
		},
	}

	result, err := exec.Execute(context.Background(), def, NewRunContext("run-1"))
	require.NoError(t, err)
	assert.True(t, caught)
	assert.Equal(t, "Done", result.Terminal)
}

func TestExecuteCatchMatchesErrorCode(t *testing.T) {
	exec, _ := newTestExecutor()

	exec.RegisterTask("gate", func(ctx context.Context, rc *RunContext) error {
		return errors.QualityError("dim_members", []string{"min_rows"})
	})
	exec.RegisterTask("onquality", func(ctx context.Context, rc *RunContext) error { return nil })
	exec.RegisterTask("oncrash", func(ctx context.Context, rc *RunContext) error { return nil })

	def := &Definition{
		StartAt: "Gate",
		States: map[string]*State{
			"Gate": {
				Type:     StateTask,
				Resource: "gate",
				Catch: []CatchClause{
					{ErrorEquals: []string{string(errors.ErrCodeQualityFailed)}, Next: "Quality"},
					{ErrorEquals: []string{MatchAll}, Next: "Crash"},
				},
				Next: "Done",
			},
			"Quality": taskState("onquality", "Done"),
			"Crash":   taskState("oncrash", "Done"),
			"Done":    {Type: StateSucceed},
		},
	}

	result, err := exec.Execute(context.Background(), def, NewRunContext("run-1"))
	require.NoError(t, err)

	visited := make([]string, 0, len(result.History))
	for _, event := range result.History {
		visited = append(visited, event.Name)
	}
	assert.Contains(t, visited, "Quality")
	assert.NotContains(t, visited, "Crash")
}

func TestExecuteUncaughtErrorFailsRun(t *testing.T) {
	exec, _ := newTestExecutor()
	exec.RegisterTask("broken", func(ctx context.Context, rc *RunContext) error {
		return errors.New(errors.ErrCodeInternal, "boom")
	})

	def := &Definition{
		StartAt: "A",
		States:  map[string]*State{"A": taskState("broken", "")},
	}

	result, err := exec.Execute(context.Background(), def, NewRunContext("run-1"))
	require.Error(t, err)
	assert.True(t, result.Failed)
	assert.Equal(t, errors.ErrCodeStateFailed, errors.GetErrorCode(err))
}

func TestExecuteChoice(t *testing.T) {
	tests := []struct {
		name     string
		values   map[string]interface{}
		expected string
	}{
		{"boolean match", map[string]interface{}{"has_updates": true}, "Updated"},
		{"boolean fallthrough", map[string]interface{}{"has_updates": false}, "Idle"},
		{"string match", map[string]interface{}{"verdict": "warn"}, "Warned"},
		{"missing variable defaults", nil, "Idle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, _ := newTestExecutor()
			def := &Definition{
				StartAt: "Decide",
				States: map[string]*State{
					"Decide": {
						Type: StateChoice,
						Choices: []ChoiceRule{
							{Variable: "has_updates", BooleanEquals: boolPtr(true), Next: "Updated"},
							{Variable: "verdict", StringEquals: strPtr("warn"), Next: "Warned"},
						},
						Default: "Idle",
					},
					"Updated": {Type: StateSucceed},
					"Warned":  {Type: StateSucceed},
					"Idle":    {Type: StateSucceed},
				},
			}

			rc := NewRunContext("run-1")
			for k, v := range tt.values {
				rc.Set(k, v)
			}

			result, err := exec.Execute(context.Background(), def, rc)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result.Terminal)
		})
	}
}

func TestExecuteChoiceNoMatchNoDefault(t *testing.T) {
	exec, _ := newTestExecutor()
	def := &Definition{
		StartAt: "Decide",
		States: map[string]*State{
			"Decide": {
				Type:    StateChoice,
				Choices: []ChoiceRule{{Variable: "x", StringEquals: strPtr("y"), Next: "Done"}},
			},
			"Done": {Type: StateSucceed},
		},
	}

	_, err := exec.Execute(context.Background(), def, NewRunContext("run-1"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStateFailed, errors.GetErrorCode(err))
}

func TestExecuteParallelBranches(t *testing.T) {
	exec, _ := newTestExecutor()

	var mu sync.Mutex
	var seen []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		exec.RegisterTask("work_"+name, func(ctx context.Context, rc *RunContext) error {
			mu.Lock()
			seen = append(seen, name)
			mu.Unlock()
			return nil
		})
	}

	branches := make([]*Definition, 0, 3)
	for _, name := range []string{"a", "b", "c"} {
		branches = append(branches, singleTask("Work_"+name, "work_"+name, nil))
	}
	def := &Definition{
		StartAt: "Fan",
		States: map[string]*State{
			"Fan":  {Type: StateParallel, Branches: branches, Next: "Done"},
			"Done": {Type: StateSucceed},
		},
	}

	result, err := exec.Execute(context.Background(), def, NewRunContext("run-1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, "Done", result.Terminal)
}

func TestExecuteParallelBranchErrorCaught(t *testing.T) {
	exec, _ := newTestExecutor()
	exec.RegisterTask("ok", func(ctx context.Context, rc *RunContext) error { return nil })
	exec.RegisterTask("bad", func(ctx context.Context, rc *RunContext) error {
		return errors.New(errors.ErrCodeStorageUnavailable, "branch down")
	})
	exec.RegisterTask("cleanup", func(ctx context.Context, rc *RunContext) error { return nil })

	def := &Definition{
		StartAt: "Fan",
		States: map[string]*State{
			"Fan": {
				Type: StateParallel,
				Branches: []*Definition{
					singleTask("Ok", "ok", nil),
					singleTask("Bad", "bad", nil),
				},
				Catch: []CatchClause{{ErrorEquals: []string{MatchAll}, Next: "Cleanup"}},
				Next:  "Done",
			},
			"Cleanup": taskState("cleanup", "Done"),
			"Done":    {Type: StateSucceed},
		},
	}

	result, err := exec.Execute(context.Background(), def, NewRunContext("run-1"))
	require.NoError(t, err)
	assert.Equal(t, "Done", result.Terminal)
}

// 25 independent items through a Map state with a ceiling of 10: all must
// complete and the observed fan-out must never exceed the ceiling.
func TestExecuteMapConcurrencyCeiling(t *testing.T) {
	exec, _ := newTestExecutor()

	var processed int64
	exec.RegisterItems("extract", func(ctx context.Context, rc *RunContext, item queue.Item) error {
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&processed, 1)
		return nil
	})

	items := make([]queue.Item, 25)
	for i := range items {
		items[i] = queue.Item{ID: fmt.Sprintf("doc-%02d", i)}
	}
	rc := NewRunContext("run-1")
	rc.SetItems("pending", items)

	def := &Definition{
		StartAt: "Extract",
		States: map[string]*State{
			"Extract": {
				Type:           StateMap,
				Resource:       "extract",
				ItemsFrom:      "pending",
				MaxConcurrency: 10,
				End:            true,
			},
		},
	}

	result, err := exec.Execute(context.Background(), def, rc)
	require.NoError(t, err)
	assert.Equal(t, int64(25), processed)
	require.Len(t, result.History, 1)
	assert.LessOrEqual(t, result.History[0].Peak, 10)
	assert.Greater(t, result.History[0].Peak, 1)
}

func TestExecuteMapItemRetryAndPartialFailure(t *testing.T) {
	exec, _ := newTestExecutor()

	var mu sync.Mutex
	attempts := make(map[string]int)
	exec.RegisterItems("extract", func(ctx context.Context, rc *RunContext, item queue.Item) error {
		mu.Lock()
		attempts[item.ID]++
		n := attempts[item.ID]
		mu.Unlock()

		switch item.ID {
		case "flaky":
			if n < 2 {
				return errors.New(errors.ErrCodeStorageTimeout, "transient")
			}
			return nil
		case "poison":
			return errors.New(errors.ErrCodeRecordMalformed, "unparseable")
		default:
			return nil
		}
	})

	rc := NewRunContext("run-1")
	rc.SetItems("pending", []queue.Item{{ID: "good"}, {ID: "flaky"}, {ID: "poison"}})

	def := &Definition{
		StartAt: "Extract",
		States: map[string]*State{
			"Extract": {
				Type:      StateMap,
				Resource:  "extract",
				ItemsFrom: "pending",
				Retry: []RetryPolicy{{
					ErrorEquals: []string{MatchAll}, MaxAttempts: 2, IntervalSeconds: 1, BackoffRate: 2,
				}},
				End: true,
			},
		},
	}

	_, err := exec.Execute(context.Background(), def, rc)
	require.Error(t, err)
	assert.Equal(t, 1, attempts["good"])
	assert.Equal(t, 2, attempts["flaky"])
	assert.Equal(t, 3, attempts["poison"]) // exhausted its per-item budget
	assert.Contains(t, err.Error(), "1 of 3")
}

func TestExecuteTimeout(t *testing.T) {
	exec, _ := newTestExecutor()
	exec.RegisterTask("stall", func(ctx context.Context, rc *RunContext) error {
		<-ctx.Done()
		return ctx.Err()
	})

	def := &Definition{
		StartAt: "A",
		States: map[string]*State{
			"A": {
				Type:     StateTask,
				Resource: "stall",
				Catch:    []CatchClause{{ErrorEquals: []string{MatchAll}, Next: "Done"}},
				Next:     "Done",
			},
			"Done": {Type: StateSucceed},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := exec.Execute(ctx, def, NewRunContext("run-1"))
	require.Error(t, err)
	assert.True(t, result.Failed)
	assert.Equal(t, errors.ErrCodePipelineTimeout, errors.GetErrorCode(err))
}

func TestExecuteFailState(t *testing.T) {
	exec, _ := newTestExecutor()
	def := &Definition{
		StartAt: "Broken",
		States: map[string]*State{
			"Broken": {Type: StateFail, Error: "CVLK5001", Cause: "gate failed"},
		},
	}

	result, err := exec.Execute(context.Background(), def, NewRunContext("run-1"))
	require.Error(t, err)
	assert.True(t, result.Failed)
	assert.Equal(t, "Broken", result.Terminal)
	assert.Contains(t, err.Error(), "gate failed")
}
