package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"civiclake/internal/observability"
	"civiclake/internal/queue"
	"civiclake/pkg/errors"
)

// TaskHandler executes one Task state against the shared run context.
type TaskHandler func(ctx context.Context, rc *RunContext) error

// ItemHandler processes one fanned-out item of a Map state.
type ItemHandler func(ctx context.Context, rc *RunContext, item queue.Item) error

// RunContext carries state between handlers. Access is synchronized so
// parallel branches never share unguarded mutable state.
type RunContext struct {
	RunID string

	mu     sync.RWMutex
	values map[string]interface{}
	items  map[string][]queue.Item
}

func NewRunContext(runID string) *RunContext {
	return &RunContext{
		RunID:  runID,
		values: make(map[string]interface{}),
		items:  make(map[string][]queue.Item),
	}
}

func (rc *RunContext) Set(key string, value interface{}) {
	rc.mu.Lock()
	rc.values[key] = value
	rc.mu.Unlock()
}

func (rc *RunContext) Get(key string) (interface{}, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	value, ok := rc.values[key]
	return value, ok
}

// Bool reads a boolean choice variable; absent or non-boolean reads false.
func (rc *RunContext) Bool(key string) bool {
	value, ok := rc.Get(key)
	if !ok {
		return false
	}
	b, _ := value.(bool)
	return b
}

// String reads a string choice variable; absent reads "".
func (rc *RunContext) String(key string) string {
	value, ok := rc.Get(key)
	if !ok {
		return ""
	}
	s, _ := value.(string)
	return s
}

// SetItems stages the item list a Map state fans out over.
func (rc *RunContext) SetItems(key string, items []queue.Item) {
	rc.mu.Lock()
	rc.items[key] = items
	rc.mu.Unlock()
}

func (rc *RunContext) Items(key string) []queue.Item {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.items[key]
}

// StateEvent is one entry of the execution trace.
type StateEvent struct {
	Name     string
	Type     StateType
	Attempts int
	Duration time.Duration
	Err      string
	Peak     int // Map states: peak observed fan-out
}

// Execution is the outcome of one run of a definition.
type Execution struct {
	Terminal string
	Failed   bool
	Err      error
	History  []StateEvent
}

// Executor runs a Definition in-process. Task and Map handlers are looked
// up by the resource names the definition references.
type Executor struct {
	tasks map[string]TaskHandler
	items map[string]ItemHandler
	log   *observability.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(log *observability.Logger) *Executor {
	if log == nil {
		log = observability.Default()
	}
	return &Executor{
		tasks: make(map[string]TaskHandler),
		items: make(map[string]ItemHandler),
		log:   log,
		sleep: sleepContext,
	}
}

func (e *Executor) RegisterTask(name string, handler TaskHandler) {
	e.tasks[name] = handler
}

func (e *Executor) RegisterItems(name string, handler ItemHandler) {
	e.items[name] = handler
}

// Execute validates the definition, applies its wall-clock timeout, and
// walks states from StartAt until a terminal state or an uncaught error.
func (e *Executor) Execute(ctx context.Context, def *Definition, rc *RunContext) (*Execution, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	if def.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	exec := &Execution{}
	if err := e.run(ctx, def, rc, exec); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = errors.Wrap(err, errors.ErrCodePipelineTimeout, "Pipeline exceeded its execution timeout")
		}
		exec.Failed = true
		exec.Err = err
	}
	return exec, exec.Err
}

func (e *Executor) run(ctx context.Context, def *Definition, rc *RunContext, exec *Execution) error {
	current := def.StartAt
	for {
		state, ok := def.States[current]
		if !ok {
			return errors.New(errors.ErrCodeDefinitionInvalid,
				fmt.Sprintf("Transition to unknown state %q", current))
		}

		event := StateEvent{Name: current, Type: state.Type}
		start := time.Now()

		next, err := e.runState(ctx, def, current, state, rc, &event)

		event.Duration = time.Since(start)
		if err != nil {
			event.Err = err.Error()
		}
		exec.History = append(exec.History, event)

		if err != nil {
			return err
		}
		if next == "" {
			exec.Terminal = current
			exec.Failed = state.Type == StateFail
			if exec.Failed {
				return errors.New(errors.ErrCodeStateFailed,
					fmt.Sprintf("Pipeline ended in failure state %q: %s", current, state.Cause)).
					WithContext("error", state.Error)
			}
			return nil
		}
		current = next
	}
}

// runState executes one state and returns the next state name, or "" for a
// terminal. Task and Parallel states get retry-then-catch semantics; Map
// states spend their retry budget per item instead of re-running the whole
// fan-out, and their catch clauses still apply.
func (e *Executor) runState(ctx context.Context, def *Definition, name string, state *State, rc *RunContext, event *StateEvent) (string, error) {
	switch state.Type {
	case StateSucceed, StateFail:
		return "", nil

	case StateChoice:
		return e.runChoice(name, state, rc)

	case StateTask, StateParallel:
		work := func(ctx context.Context) error {
			if state.Type == StateTask {
				return e.runTask(ctx, name, state, rc)
			}
			return e.runParallel(ctx, state, rc, event)
		}
		err := e.runWithRetry(ctx, state.Retry, work, event)
		if err == nil {
			return e.nextOf(state), nil
		}
		return e.applyCatch(ctx, name, state, err)

	case StateMap:
		err := e.runMap(ctx, name, state, rc, event)
		if err == nil {
			return e.nextOf(state), nil
		}
		return e.applyCatch(ctx, name, state, err)

	default:
		return "", errors.New(errors.ErrCodeDefinitionInvalid,
			fmt.Sprintf("State %q has unknown type %q", name, state.Type))
	}
}

func (e *Executor) nextOf(state *State) string {
	if state.End {
		return ""
	}
	return state.Next
}

func (e *Executor) runChoice(name string, state *State, rc *RunContext) (string, error) {
	for _, rule := range state.Choices {
		if rule.BooleanEquals != nil && rc.Bool(rule.Variable) == *rule.BooleanEquals {
			return rule.Next, nil
		}
		if rule.StringEquals != nil && rc.String(rule.Variable) == *rule.StringEquals {
			return rule.Next, nil
		}
	}
	if state.Default != "" {
		return state.Default, nil
	}
	return "", errors.New(errors.ErrCodeStateFailed,
		fmt.Sprintf("Choice state %q matched no rule and has no default", name))
}

func (e *Executor) runTask(ctx context.Context, name string, state *State, rc *RunContext) error {
	handler, ok := e.tasks[state.Resource]
	if !ok {
		return errors.New(errors.ErrCodeDefinitionInvalid,
			fmt.Sprintf("Task state %q references unregistered resource %q", name, state.Resource))
	}
	e.log.WithRunID(rc.RunID).WithFields(map[string]interface{}{
		"state":    name,
		"resource": state.Resource,
	}).Debug("Executing task state")
	return handler(ctx, rc)
}

// runParallel executes all branches concurrently. The first branch error
// cancels the remaining branches and becomes the state's error.
func (e *Executor) runParallel(ctx context.Context, state *State, rc *RunContext, event *StateEvent) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, branch := range state.Branches {
		branch := branch
		g.Go(func() error {
			sub := &Execution{}
			if err := e.run(gctx, branch, rc, sub); err != nil {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Executor) runMap(ctx context.Context, name string, state *State, rc *RunContext, event *StateEvent) error {
	handler, ok := e.items[state.Resource]
	if !ok {
		return errors.New(errors.ErrCodeDefinitionInvalid,
			fmt.Sprintf("Map state %q references unregistered resource %q", name, state.Resource))
	}

	items := rc.Items(state.ItemsFrom)
	if len(items) == 0 {
		return nil
	}

	attempts := 1
	for _, policy := range state.Retry {
		if policy.MaxAttempts+1 > attempts {
			attempts = policy.MaxAttempts + 1
		}
	}

	q := queue.NewMemory(state.MaxConcurrency, attempts)
	result, err := q.SubmitBatch(ctx, items, func(ctx context.Context, item queue.Item) error {
		return handler(ctx, rc, item)
	})
	event.Peak = q.PeakInFlight()
	if err != nil {
		return err
	}
	event.Attempts = 1
	if len(result.Failed) > 0 {
		first := result.Failed[0]
		return errors.Wrap(first.Err, errors.ErrCodeStateFailed,
			fmt.Sprintf("Map state %q failed %d of %d items (first: %s)",
				name, len(result.Failed), len(items), first.Item.ID))
	}
	return nil
}

// runWithRetry runs work, retrying on matching policies with exponential
// backoff. Attempt budgets are tracked per policy, the way a declarative
// workflow engine consumes retry arrays.
func (e *Executor) runWithRetry(ctx context.Context, policies []RetryPolicy, work func(context.Context) error, event *StateEvent) error {
	used := make([]int, len(policies))
	for {
		event.Attempts++
		err := work(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		idx := matchPolicy(policies, err)
		if idx < 0 || used[idx] >= policies[idx].MaxAttempts {
			return err
		}

		delay := backoffDelay(policies[idx], used[idx])
		used[idx]++
		e.log.WithFields(map[string]interface{}{
			"attempt": used[idx],
			"delay":   delay.String(),
			"error":   err.Error(),
		}).Debug("Retrying state after backoff")
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

func matchPolicy(policies []RetryPolicy, err error) int {
	code := string(errors.GetErrorCode(err))
	for i, policy := range policies {
		for _, match := range policy.ErrorEquals {
			if match == MatchAll || match == code {
				return i
			}
		}
	}
	return -1
}

func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	interval := policy.IntervalSeconds
	if interval <= 0 {
		interval = 1
	}
	rate := policy.BackoffRate
	if rate < 1.5 {
		rate = 1.5
	}
	seconds := interval * math.Pow(rate, float64(attempt))
	return time.Duration(seconds * float64(time.Second))
}

// applyCatch routes an exhausted error to a matching catch clause, or
// surfaces it when nothing catches. A deadline-expired context is never
// caught; the run fails as a timeout.
func (e *Executor) applyCatch(ctx context.Context, name string, state *State, err error) (string, error) {
	if ctx.Err() == context.DeadlineExceeded {
		return "", err
	}
	code := string(errors.GetErrorCode(err))
	for _, clause := range state.Catch {
		for _, match := range clause.ErrorEquals {
			if match == MatchAll || match == code {
				e.log.WithFields(map[string]interface{}{
					"state": name,
					"next":  clause.Next,
					"error": err.Error(),
				}).Warn("State error caught, routing to failure handler")
				return clause.Next, nil
			}
		}
	}
	return "", errors.Wrap(err, errors.ErrCodeStateFailed,
		fmt.Sprintf("State %q failed with no matching catch", name))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
