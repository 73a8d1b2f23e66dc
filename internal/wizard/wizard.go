package wizard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/petrel-labs/gridharvest/internal/config"
)

// Action is the kind of input a wizard step applies.
type Action string

const (
	ActionClick  Action = "click"
	ActionFill   Action = "fill"
	ActionSelect Action = "select"
)

// Input is one required input within a step.
type Input struct {
	Action   Action
	Selector string
	Value    string
}

// Step is a single wizard state: it becomes active when Anchor is visible,
// applies Inputs, advances via Advance, and is complete when Completion is
// visible. Representing steps as data makes step-skipping structurally
// impossible: the navigator only walks the slice in order.
type Step struct {
	Number     int
	Anchor     string
	Inputs     []Input
	Advance    string
	Completion string
}

// NavError is a fatal failure at a specific wizard step.
type NavError struct {
	Step   int
	Reason string
	Err    error
}

func (e *NavError) Error() string {
	return fmt.Sprintf("wizard step %d failed: %s", e.Step, e.Reason)
}

func (e *NavError) Unwrap() error { return e.Err }

// stepDriver is the slice of page primitives the navigator needs.
type stepDriver interface {
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	IsPresent(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	SelectOption(ctx context.Context, selector, value string) error
	Text(ctx context.Context, selector string) (string, error)
}

// Navigator drives the fixed wizard sequence to the table view.
type Navigator struct {
	drv              stepDriver
	steps            []Step
	launchControl    string
	validationBanner string
	stepTimeout      time.Duration
	logger           *zap.Logger
}

// New builds a navigator from configuration. Steps are numbered 1..n in
// configuration order.
func New(drv stepDriver, cfg config.WizardConfig, logger *zap.Logger) (*Navigator, error) {
	steps := make([]Step, 0, len(cfg.Steps))
	for i, sc := range cfg.Steps {
		inputs := make([]Input, 0, len(sc.Inputs))
		for _, in := range sc.Inputs {
			action := Action(strings.ToLower(in.Action))
			switch action {
			case ActionClick, ActionFill, ActionSelect:
			default:
				return nil, fmt.Errorf("wizard step %d: unknown input action %q", i+1, in.Action)
			}
			inputs = append(inputs, Input{Action: action, Selector: in.Selector, Value: in.Value})
		}
		steps = append(steps, Step{
			Number:     i + 1,
			Anchor:     sc.Anchor,
			Inputs:     inputs,
			Advance:    sc.Advance,
			Completion: sc.Completion,
		})
	}

	timeout := cfg.StepTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Navigator{
		drv:              drv,
		steps:            steps,
		launchControl:    cfg.LaunchControl,
		validationBanner: cfg.ValidationBanner,
		stepTimeout:      timeout,
		logger:           logger.Named("wizard"),
	}, nil
}

// Run walks every step strictly in order. Failure at any step is fatal; the
// navigator never skips forward. State is always re-derived from the page, so
// re-entering a wizard that is partially complete is safe.
func (n *Navigator) Run(ctx context.Context) error {
	if n.launchControl != "" {
		if present, err := n.drv.IsPresent(ctx, n.launchControl); err == nil && present {
			n.logger.Info("Launching wizard.", zap.String("selector", n.launchControl))
			if err := n.drv.Click(ctx, n.launchControl); err != nil {
				return &NavError{Step: 0, Reason: fmt.Sprintf("launch control click failed: %v", err), Err: err}
			}
		}
	}

	for _, step := range n.steps {
		if err := n.runStep(ctx, step); err != nil {
			return err
		}
	}

	n.logger.Info("Wizard complete; table view reached.")
	return nil
}

// runStep executes one state transition: anchor wait, inputs, advance,
// completion wait.
func (n *Navigator) runStep(ctx context.Context, step Step) error {
	log := n.logger.With(zap.Int("step", step.Number))

	// The page is the source of truth: a step whose completion marker is
	// already rendered was finished by an earlier pass.
	if done, err := n.drv.IsPresent(ctx, step.Completion); err == nil && done {
		log.Info("Step already complete; skipping inputs.")
		return nil
	}

	log.Info("Entering wizard step.")
	if err := n.drv.WaitVisible(ctx, step.Anchor, n.stepTimeout); err != nil {
		return &NavError{Step: step.Number, Reason: fmt.Sprintf("anchor %q never appeared: %v", step.Anchor, err), Err: err}
	}

	for _, in := range step.Inputs {
		if err := n.applyInput(ctx, in); err != nil {
			return &NavError{Step: step.Number, Reason: fmt.Sprintf("input on %q failed: %v", in.Selector, err), Err: err}
		}
	}

	if step.Advance != "" {
		if err := n.drv.Click(ctx, step.Advance); err != nil {
			return &NavError{Step: step.Number, Reason: fmt.Sprintf("advance control %q failed: %v", step.Advance, err), Err: err}
		}
	}

	if err := n.drv.WaitVisible(ctx, step.Completion, n.stepTimeout); err != nil {
		reason := fmt.Sprintf("completion marker %q never appeared: %v", step.Completion, err)
		// Surface the page's own validation message when one is shown.
		if n.validationBanner != "" {
			if present, perr := n.drv.IsPresent(ctx, n.validationBanner); perr == nil && present {
				if text, terr := n.drv.Text(ctx, n.validationBanner); terr == nil && strings.TrimSpace(text) != "" {
					reason = fmt.Sprintf("page rejected step: %q", strings.TrimSpace(text))
				}
			}
		}
		return &NavError{Step: step.Number, Reason: reason, Err: err}
	}

	log.Info("Step complete.")
	return nil
}

func (n *Navigator) applyInput(ctx context.Context, in Input) error {
	switch in.Action {
	case ActionClick:
		return n.drv.Click(ctx, in.Selector)
	case ActionFill:
		return n.drv.Fill(ctx, in.Selector, in.Value)
	case ActionSelect:
		return n.drv.SelectOption(ctx, in.Selector, in.Value)
	default:
		return fmt.Errorf("unknown input action %q", in.Action)
	}
}
