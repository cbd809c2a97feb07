package manager

// Event represents a manager lifecycle event.
// Minimal and stable: name + model ID and optional fields via key/values.
type Event struct {
	Name    string         `json:"name"`
	ModelID string         `json:"model_id,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// emit logs the event and hands it to the publisher.
func (m *Manager) emit(name, modelID string, fields map[string]any) {
	ev := m.log.Info()
	if name == "load_failed" || name == "evict_failed" || name == "mode_switch_failed" {
		ev = m.log.Warn()
	}
	if modelID != "" {
		ev = ev.Str("model", modelID)
	}
	ev.Fields(fields).Msg("manager event=" + name)
	m.publisher.Publish(Event{Name: name, ModelID: modelID, Fields: fields})
}
