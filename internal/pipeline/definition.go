package pipeline

import (
	"encoding/json"
	"fmt"

	"civiclake/pkg/errors"
)

// StateType enumerates the state kinds the executor understands.
type StateType string

const (
	StateTask     StateType = "Task"
	StateParallel StateType = "Parallel"
	StateMap      StateType = "Map"
	StateChoice   StateType = "Choice"
	StateSucceed  StateType = "Succeed"
	StateFail     StateType = "Fail"
)

// MatchAll is the retry/catch wildcard matching every error.
const MatchAll = "States.ALL"

// RetryPolicy retries a state on matching errors with exponential backoff.
type RetryPolicy struct {
	ErrorEquals     []string `json:"error_equals"`
	MaxAttempts     int      `json:"max_attempts"`
	IntervalSeconds float64  `json:"interval_seconds"`
	BackoffRate     float64  `json:"backoff_rate"`
}

// CatchClause routes a state's unrecoverable error to another state.
type CatchClause struct {
	ErrorEquals []string `json:"error_equals"`
	Next        string   `json:"next"`
}

// ChoiceRule is one branch of a Choice state.
type ChoiceRule struct {
	Variable      string  `json:"variable"`
	BooleanEquals *bool   `json:"boolean_equals,omitempty"`
	StringEquals  *string `json:"string_equals,omitempty"`
	Next          string  `json:"next"`
}

// State is one node of the machine. Which fields apply depends on Type.
type State struct {
	Type     StateType `json:"type"`
	Comment  string    `json:"comment,omitempty"`
	Resource string    `json:"resource,omitempty"` // Task/Map handler name

	Next string `json:"next,omitempty"`
	End  bool   `json:"end,omitempty"`

	Retry []RetryPolicy `json:"retry,omitempty"`
	Catch []CatchClause `json:"catch,omitempty"`

	// Parallel
	Branches []*Definition `json:"branches,omitempty"`

	// Map
	ItemsFrom      string `json:"items_from,omitempty"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`

	// Choice
	Choices []ChoiceRule `json:"choices,omitempty"`
	Default string       `json:"default,omitempty"`

	// Fail
	Error string `json:"error,omitempty"`
	Cause string `json:"cause,omitempty"`
}

// Definition is a declarative, JSON-serializable state machine. The
// executor consumes it directly; `civiclake pipeline` exports it for a
// managed workflow orchestrator.
type Definition struct {
	Comment        string            `json:"comment,omitempty"`
	StartAt        string            `json:"start_at"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	States         map[string]*State `json:"states"`
}

// MarshalIndent renders the definition as the JSON DSL.
func (d *Definition) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Validate checks the graph is well formed: the start state exists, every
// transition resolves, terminal states terminate, and retry backoff factors
// are at least 1.5 so retries actually back off.
func (d *Definition) Validate() error {
	if d.StartAt == "" {
		return errors.New(errors.ErrCodeDefinitionInvalid, "Definition has no start state")
	}
	if _, ok := d.States[d.StartAt]; !ok {
		return errors.New(errors.ErrCodeDefinitionInvalid,
			fmt.Sprintf("Start state %q does not exist", d.StartAt))
	}

	for name, state := range d.States {
		if err := d.validateState(name, state); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) validateState(name string, state *State) error {
	resolve := func(target string) error {
		if _, ok := d.States[target]; !ok {
			return errors.New(errors.ErrCodeDefinitionInvalid,
				fmt.Sprintf("State %q transitions to unknown state %q", name, target))
		}
		return nil
	}

	switch state.Type {
	case StateSucceed, StateFail:
		return nil

	case StateChoice:
		if len(state.Choices) == 0 {
			return errors.New(errors.ErrCodeDefinitionInvalid,
				fmt.Sprintf("Choice state %q has no rules", name))
		}
		for _, rule := range state.Choices {
			if err := resolve(rule.Next); err != nil {
				return err
			}
		}
		if state.Default != "" {
			return resolve(state.Default)
		}
		return nil

	case StateTask, StateParallel, StateMap:
		if !state.End {
			if state.Next == "" {
				return errors.New(errors.ErrCodeDefinitionInvalid,
					fmt.Sprintf("State %q has neither next nor end", name))
			}
			if err := resolve(state.Next); err != nil {
				return err
			}
		}
		for _, policy := range state.Retry {
			if policy.BackoffRate < 1.5 {
				return errors.New(errors.ErrCodeDefinitionInvalid,
					fmt.Sprintf("State %q retry backoff rate %.2f is below 1.5", name, policy.BackoffRate))
			}
		}
		for _, clause := range state.Catch {
			if err := resolve(clause.Next); err != nil {
				return err
			}
		}
		if state.Type == StateParallel {
			for i, branch := range state.Branches {
				if err := branch.Validate(); err != nil {
					return errors.Wrap(err, errors.ErrCodeDefinitionInvalid,
						fmt.Sprintf("Parallel state %q branch %d is invalid", name, i))
				}
			}
		}
		if state.Type == StateMap {
			if state.Resource == "" || state.ItemsFrom == "" {
				return errors.New(errors.ErrCodeDefinitionInvalid,
					fmt.Sprintf("Map state %q needs a resource and an items_from key", name))
			}
			if state.MaxConcurrency < 0 {
				return errors.New(errors.ErrCodeDefinitionInvalid,
					fmt.Sprintf("Map state %q has negative max_concurrency", name))
			}
		}
		return nil

	default:
		return errors.New(errors.ErrCodeDefinitionInvalid,
			fmt.Sprintf("State %q has unknown type %q", name, state.Type))
	}
}
