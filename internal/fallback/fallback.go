// Package fallback tracks the pipeline's serving posture when fresh
// documentation cannot be acquired. Degradation is automatic and staged;
// recovery follows a fixed sequence and only a human can clear a
// compliance hold.
package fallback

import (
	"fmt"
	"sync"
	"time"

	"pinedocs/internal/logging"
)

// Serving states, from healthy to most degraded.
const (
	StateNominal       = "nominal"        // fresh index serving
	StateCached        = "cached"         // serving last good index, source temporarily unavailable
	StateCookbookOnly  = "cookbook_only"  // source persistently unavailable, curated content only
	StateAssistiveOnly = "assistive_only" // compliance hold, no scraped content served
)

// Recovery steps, in the order they must complete.
const (
	StepResumeRender = "resume_render"
	StepRerunDrift   = "rerun_drift"
	StepRebuildIndex = "rebuild_index"
	StepClearLabel   = "clear_label"
)

// RecoverySequence is the ordered path back to nominal. A step may only
// run when every earlier step has completed for the current incident.
var RecoverySequence = []string{StepResumeRender, StepRerunDrift, StepRebuildIndex, StepClearLabel}

// State is the persisted fallback posture.
type State struct {
	State            string `json:"state"`
	Reason           string `json:"reason"`
	EnteredAt        string `json:"entered_at"`
	ConsecutiveFails int    `json:"consecutive_render_failures"`
	ComplianceHold   bool   `json:"compliance_hold"`
	RecoveryStep     int    `json:"recovery_step"` // index into RecoverySequence, -1 when idle
}

// Machine applies transitions to the fallback state.
type Machine struct {
	mu sync.Mutex
	st State

	// Render failures tolerated in Cached before degrading further.
	failureThreshold int
}

// NewMachine starts a machine from a persisted state. failureThreshold is
// the consecutive render failure count at which Cached degrades to
// CookbookOnly. The first failure always drops Nominal to Cached, so the
// threshold is clamped to 2.
func NewMachine(st State, failureThreshold int) *Machine {
	if st.State == "" {
		st.State = StateNominal
		st.EnteredAt = time.Now().UTC().Format(time.RFC3339)
		st.RecoveryStep = -1
	}
	if failureThreshold < 2 {
		failureThreshold = 2
	}
	return &Machine{st: st, failureThreshold: failureThreshold}
}

// Current returns a copy of the state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

func (m *Machine) transition(state, reason string) {
	if m.st.State == state {
		return
	}
	logging.Fallback("state %s -> %s (%s)", m.st.State, state, reason)
	m.st.State = state
	m.st.Reason = reason
	m.st.EnteredAt = time.Now().UTC().Format(time.RFC3339)
}

// RecordRenderFailure notes a failed acquisition attempt. The first failure
// drops to Cached; failures past the threshold drop to CookbookOnly. A
// compliance hold is never weakened by render outcomes.
func (m *Machine) RecordRenderFailure(reason string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.st.ConsecutiveFails++
	m.st.RecoveryStep = -1

	if m.st.ComplianceHold {
		return m.st
	}

	switch {
	case m.st.ConsecutiveFails >= m.failureThreshold:
		m.transition(StateCookbookOnly, fmt.Sprintf("%d consecutive render failures: %s", m.st.ConsecutiveFails, reason))
	default:
		if m.st.State == StateNominal {
			m.transition(StateCached, reason)
		}
	}
	return m.st
}

// RecordRenderSuccess resets the failure counter. It does not by itself
// leave a degraded state: that requires the full recovery sequence.
func (m *Machine) RecordRenderSuccess() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.ConsecutiveFails = 0
	return m.st
}

// TriggerComplianceHold drops straight to AssistiveOnly. Only
// ClearComplianceHold can leave this state.
func (m *Machine) TriggerComplianceHold(reason string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.st.ComplianceHold = true
	m.st.RecoveryStep = -1
	m.transition(StateAssistiveOnly, reason)
	logging.FallbackWarn("compliance hold: %s", reason)
	return m.st
}

// ClearComplianceHold records an explicit human decision to lift the hold.
// The state moves to Cached, not Nominal: the recovery sequence still has
// to run before fresh content serves again.
func (m *Machine) ClearComplianceHold(operator string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.st.ComplianceHold {
		return m.st, fmt.Errorf("no compliance hold to clear")
	}
	if operator == "" {
		return m.st, fmt.Errorf("clearing a compliance hold requires an operator identity")
	}

	m.st.ComplianceHold = false
	m.transition(StateCached, fmt.Sprintf("compliance hold cleared by %s", operator))
	return m.st, nil
}

// AdvanceRecovery marks one recovery step complete. Steps must complete in
// sequence; the final step returns the machine to Nominal.
func (m *Machine) AdvanceRecovery(step string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st.State == StateNominal {
		return m.st, fmt.Errorf("not in a degraded state")
	}
	if m.st.ComplianceHold {
		return m.st, fmt.Errorf("compliance hold active, recovery blocked until cleared")
	}

	next := m.st.RecoveryStep + 1
	if next >= len(RecoverySequence) {
		return m.st, fmt.Errorf("recovery already complete")
	}
	if RecoverySequence[next] != step {
		return m.st, fmt.Errorf("recovery step %q out of order, expected %q", step, RecoverySequence[next])
	}

	if step == StepResumeRender {
		m.st.ConsecutiveFails = 0
	}
	m.st.RecoveryStep = next
	logging.Fallback("recovery step complete: %s (%d/%d)", step, next+1, len(RecoverySequence))

	if next == len(RecoverySequence)-1 {
		m.st.RecoveryStep = -1
		m.transition(StateNominal, "recovery sequence complete")
	}
	return m.st, nil
}

// DegradedLabel returns the warning label query responses must carry in the
// current state, or "" when none applies.
func (m *Machine) DegradedLabel() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.st.State {
	case StateCached:
		return "serving cached documentation; source temporarily unavailable"
	case StateCookbookOnly:
		return "serving curated cookbook content only; documentation source unavailable"
	case StateAssistiveOnly:
		return "assistive answers only; documentation content withheld pending compliance review"
	default:
		return ""
	}
}

// AllowsScrapedContent reports whether scraped documentation may be served.
func (m *Machine) AllowsScrapedContent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.State != StateAssistiveOnly
}
