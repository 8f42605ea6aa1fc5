package saga

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"

	"github.com/seomaster/platform/management/internal/models"
)

type machineContext struct {
	SagaID string
}

// machine guards the saga's state sequence. Each event is named after the state it
// leads to; every active state may fall into COMPENSATING, which only leads to FAILED.
type machine struct {
	interp *statekit.Interpreter[machineContext]
}

func newMachine(sagaID string) (*machine, error) {
	builder := statekit.NewMachine[machineContext]("optimization-saga").
		WithInitial(statekit.StateID(models.SagaInitiated)).
		WithContext(machineContext{SagaID: sagaID})

	state := func(s models.SagaState) statekit.StateID { return statekit.StateID(s) }
	event := func(s models.SagaState) statekit.EventType { return statekit.EventType(s) }
	compensate := event(models.SagaCompensating)

	builder.State(state(models.SagaInitiated)).
		On(event(models.SagaCrawling)).Target(state(models.SagaCrawling)).
		On(compensate).Target(state(models.SagaCompensating)).
		Done()
	builder.State(state(models.SagaCrawling)).
		On(event(models.SagaCrawlCompleted)).Target(state(models.SagaCrawlCompleted)).
		On(compensate).Target(state(models.SagaCompensating)).
		Done()
	builder.State(state(models.SagaCrawlCompleted)).
		On(event(models.SagaCalculatingScores)).Target(state(models.SagaCalculatingScores)).
		On(compensate).Target(state(models.SagaCompensating)).
		Done()
	builder.State(state(models.SagaCalculatingScores)).
		On(event(models.SagaScoresCompleted)).Target(state(models.SagaScoresCompleted)).
		On(compensate).Target(state(models.SagaCompensating)).
		Done()
	builder.State(state(models.SagaScoresCompleted)).
		On(event(models.SagaGeneratingContent)).Target(state(models.SagaGeneratingContent)).
		On(compensate).Target(state(models.SagaCompensating)).
		Done()
	builder.State(state(models.SagaGeneratingContent)).
		On(event(models.SagaContentGenerated)).Target(state(models.SagaContentGenerated)).
		On(compensate).Target(state(models.SagaCompensating)).
		Done()
	builder.State(state(models.SagaContentGenerated)).
		On(event(models.SagaAwaitingHITL)).Target(state(models.SagaAwaitingHITL)).
		On(compensate).Target(state(models.SagaCompensating)).
		Done()
	builder.State(state(models.SagaAwaitingHITL)).
		On(event(models.SagaHITLApproved)).Target(state(models.SagaHITLApproved)).
		On(event(models.SagaHITLRejected)).Target(state(models.SagaHITLRejected)).
		On(compensate).Target(state(models.SagaCompensating)).
		Done()
	builder.State(state(models.SagaHITLApproved)).
		On(event(models.SagaApplyingChanges)).Target(state(models.SagaApplyingChanges)).
		On(compensate).Target(state(models.SagaCompensating)).
		Done()
	builder.State(state(models.SagaApplyingChanges)).
		On(event(models.SagaCompleted)).Target(state(models.SagaCompleted)).
		On(compensate).Target(state(models.SagaCompensating)).
		Done()
	builder.State(state(models.SagaCompensating)).
		On(event(models.SagaFailed)).Target(state(models.SagaFailed)).
		Done()

	// Terminal.
	builder.State(state(models.SagaCompleted)).Done()
	builder.State(state(models.SagaHITLRejected)).Done()
	builder.State(state(models.SagaFailed)).Done()

	m, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build saga machine: %w", err)
	}
	interp := statekit.NewInterpreter(m)
	interp.Start()
	return &machine{interp: interp}, nil
}

func (m *machine) current() models.SagaState {
	return models.SagaState(m.interp.State().Value)
}

// advance moves to next or reports why the move is not allowed.
func (m *machine) advance(next models.SagaState) error {
	before := m.current()
	m.interp.Send(statekit.Event{Type: statekit.EventType(next)})
	if m.current() == before {
		return fmt.Errorf("saga cannot move from %s to %s: %w", before, next, ErrInvalidTransition)
	}
	return nil
}
