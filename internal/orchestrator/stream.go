package orchestrator

import (
	"context"
	"fmt"

	"github.com/parlancehq/parlance/pkg/event"
)

// streamBuffer sizes the event channel. Transports drain it continuously;
// the buffer only smooths short stalls.
const streamBuffer = 64

// ProcessTurnStream runs a streaming turn. The returned channel emits
// workflow and delta events in causal order. A failed turn emits an error
// event with the apology, then the closing end event; cancellation emits a
// cancelled event. Cancel the context to stop the turn; partial content is
// then persisted with a cancellation marker.
func (o *Orchestrator) ProcessTurnStream(ctx context.Context, req TurnRequest) (<-chan event.Event, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("orchestrator: session id must not be empty")
	}

	events := make(chan event.Event, streamBuffer)
	go func() {
		defer close(events)

		em := event.NewEmitter(req.SessionID)
		emit := func(e event.Event) {
			select {
			case events <- e:
			case <-ctx.Done():
				// The consumer is gone or the turn was cancelled; drop
				// non-terminal events.
			}
		}

		st := o.newState(ctx, req)
		emit(em.Start(o.model(st)))

		o.runGraph(ctx, st, em, emit, true)

		if ctx.Err() != nil {
			o.persistCancelled(st)
			cancelled := em.Cancelled("client cancelled")
			cancelled.Content = st.AgentResponse
			// Best-effort: the consumer may already be gone.
			select {
			case events <- cancelled:
			default:
			}
			return
		}

		if st.ErrorState != "" {
			emit(em.Error(st.AgentResponse, errorCode(st.ErrorState)))
		}
		o.persistTurn(ctx, st)
		emit(em.End(st.AgentResponse))
	}()

	return events, nil
}

// errorCode maps node error states to wire error codes.
func errorCode(errorState string) string {
	switch errorState {
	case "empty_input", "invalid_next_action":
		return "VALIDATION"
	case "llm_error":
		return "UPSTREAM"
	default:
		return "INTERNAL"
	}
}
