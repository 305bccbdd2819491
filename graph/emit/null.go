package emit

// NullEmitter implements Emitter by discarding all events.
//
// Useful in tests and in library use where the caller supplies no emitter.
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
