package manager

import (
	"context"
	"time"

	"github.com/google/uuid"

	"modelhub/internal/ledger"
	"modelhub/internal/registry"
	"modelhub/pkg/types"
)

// SwitchMode makes the named preset the active one. Server models outside the
// preset are evicted once idle; one that is still loading is waited for and
// then evicted. If any of them stays busy past the mode grace period the
// switch fails with ModelBusy and nothing changes.
// Preset models are then loaded through the normal admission path. A failed
// load marks the mode failed; evicted models are not reloaded.
func (m *Manager) SwitchMode(ctx context.Context, name string) (types.ModeResponse, error) {
	preset, ok := m.modes[name]
	if !ok {
		return m.Mode(), errUnknownMode(name)
	}
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	opID := uuid.NewString()
	target := make(map[string]bool, len(preset))
	for _, id := range preset {
		target[id] = true
	}
	m.emit("mode_switch_start", "", map[string]any{"mode": name, "op_id": opID})

	release, err := m.ledger.Admit(ctx)
	if err != nil {
		return m.Mode(), err
	}
	defer release()

	victims, err := m.claimIdle(ctx, func() []string { return m.residentOutside(target) }, m.modeGrace)
	if err != nil {
		m.emit("mode_switch_rejected", "", map[string]any{"mode": name, "op_id": opID, "error": err.Error()})
		return m.Mode(), err
	}
	m.setMode(modeState{name: name, status: ModeSwitching, models: preset, opID: opID})

	evicted, err := m.evict(ctx, victims, "mode:"+name)
	release()
	if err != nil {
		return m.failMode(name, opID, evicted, err)
	}
	for _, id := range preset {
		d, err := m.reg.Get(id)
		if err != nil {
			return m.failMode(name, opID, evicted, err)
		}
		more, err := m.prepare(ctx, d)
		evicted = append(evicted, more...)
		if err != nil {
			return m.failMode(name, opID, evicted, err)
		}
	}
	m.setMode(modeState{name: name, status: ModeReady, models: preset, opID: opID, switchedAt: time.Now(), evicted: evicted})
	m.emit("mode_switch_done", "", map[string]any{"mode": name, "op_id": opID, "evicted": evicted})
	return m.Mode(), nil
}

// ApplyDefaultMode switches to the configured default preset, if any.
func (m *Manager) ApplyDefaultMode(ctx context.Context) error {
	if m.defaultMode == "" {
		return nil
	}
	_, err := m.SwitchMode(ctx, m.defaultMode)
	return err
}

// Mode reports the active preset.
func (m *Manager) Mode() types.ModeResponse {
	m.modeMu.RLock()
	defer m.modeMu.RUnlock()
	resp := types.ModeResponse{
		Name:    m.mode.name,
		Status:  string(m.mode.status),
		Models:  append([]string{}, m.mode.models...),
		OpID:    m.mode.opID,
		Error:   m.mode.err,
		Evicted: append([]string(nil), m.mode.evicted...),
	}
	if !m.mode.switchedAt.IsZero() {
		resp.SwitchedAt = m.mode.switchedAt.Unix()
	}
	return resp
}

// Modes lists the configured preset names and their models.
func (m *Manager) Modes() map[string][]string {
	out := make(map[string][]string, len(m.modes))
	for k, v := range m.modes {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (m *Manager) setMode(st modeState) {
	m.modeMu.Lock()
	m.mode = st
	m.modeMu.Unlock()
}

func (m *Manager) failMode(name, opID string, evicted []string, err error) (types.ModeResponse, error) {
	m.setMode(modeState{
		name:       name,
		status:     ModeFailed,
		models:     m.modes[name],
		opID:       opID,
		err:        err.Error(),
		switchedAt: time.Now(),
		evicted:    evicted,
	})
	m.emit("mode_switch_failed", "", map[string]any{"mode": name, "op_id": opID, "error": err.Error()})
	return m.Mode(), err
}

// residentOutside lists server models not in target that are loaded or
// still loading.
func (m *Manager) residentOutside(target map[string]bool) []string {
	var ids []string
	for _, st := range m.ledger.Snapshot().States {
		resident := st.Status == ledger.StatusLoaded || st.Status == ledger.StatusLoading
		if st.Kind == registry.KindServer && resident && !target[st.ModelID] {
			ids = append(ids, st.ModelID)
		}
	}
	return ids
}
