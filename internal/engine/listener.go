package engine

// EventKind identifies the category of an observability notification (§9:
// "a narrow listener interface taking (event-kind, minimal payload) and
// never let listeners influence decisions").
type EventKind string

const (
	EventCacheHit  EventKind = "cache_hit"
	EventCacheMiss EventKind = "cache_miss"
	EventCheckDone EventKind = "check_done"
)

// Event is the payload delivered to a Listener. Payload is a plain map
// rather than a typed struct per event kind, keeping the listener surface
// minimal and decoupled from the engine's internal types.
type Event struct {
	Kind    EventKind
	Payload map[string]interface{}
}

// Listener receives notifications about engine activity. It must not
// return anything the engine would act on: listeners observe, they never
// participate in a decision.
type Listener interface {
	Notify(Event)
}

func (e *Engine) notify(kind EventKind, payload map[string]interface{}) {
	if e.listener == nil {
		return
	}
	e.listener.Notify(Event{Kind: kind, Payload: payload})
}
