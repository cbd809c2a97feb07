package manager

import (
	"time"

	"github.com/dustin/go-humanize"

	"modelhub/internal/ledger"
	"modelhub/pkg/types"
)

// Models returns the per-model status built from one ledger snapshot.
func (m *Manager) Models() []types.ModelStatus {
	return m.modelStatuses(m.ledger.Snapshot())
}

func (m *Manager) modelStatuses(snap ledger.Snapshot) []types.ModelStatus {
	byID := make(map[string]ledger.State, len(snap.States))
	for _, st := range snap.States {
		byID[st.ModelID] = st
	}
	descs := m.reg.List()
	out := make([]types.ModelStatus, 0, len(descs))
	for _, d := range descs {
		st := byID[d.ID]
		if st.Status == "" {
			st.Status = ledger.StatusUnloaded
		}
		out = append(out, types.ModelStatus{
			ID:             d.ID,
			Kind:           string(d.Kind),
			Status:         string(st.Status),
			Tags:           append([]string{}, d.Tags...),
			FootprintBytes: d.FootprintBytes,
			Priority:       d.Priority,
			LoadedAt:       unixOrZero(st.LoadedAt),
			LastUsed:       unixOrZero(st.LastUsed),
			Active:         st.Active,
			TokensPerSec:   st.TokensPerSec,
			Health:         string(m.healthOf(d.ID)),
			LastError:      st.LastError,
		})
	}
	return out
}

// Memory returns the aggregate memory view.
func (m *Manager) Memory() types.MemoryResponse { return memoryResponse(m.ledger.Usage()) }

func memoryResponse(u ledger.Usage) types.MemoryResponse {
	return types.MemoryResponse{
		CapacityBytes:  u.CapacityBytes,
		HeadroomBytes:  u.HeadroomBytes,
		UsedBytes:      u.UsedBytes,
		FreeBytes:      u.FreeBytes,
		AvailableBytes: u.AvailableBytes,
		Human: map[string]string{
			"capacity":  humanize.IBytes(uint64(max(u.CapacityBytes, 0))),
			"headroom":  humanize.IBytes(uint64(max(u.HeadroomBytes, 0))),
			"used":      humanize.IBytes(uint64(max(u.UsedBytes, 0))),
			"free":      humanize.IBytes(uint64(max(u.FreeBytes, 0))),
			"available": humanize.IBytes(uint64(max(u.AvailableBytes, 0))),
		},
	}
}

// Status builds the full snapshot for /status.
func (m *Manager) Status() types.StatusResponse {
	snap := m.ledger.Snapshot()
	now := time.Now()
	return types.StatusResponse{
		Models:         m.modelStatuses(snap),
		Memory:         memoryResponse(snap.Usage),
		Mode:           m.Mode(),
		LoadsTotal:     m.loadsTotal.Load(),
		EvictionsTotal: m.evictionsTotal.Load(),
		UptimeSeconds:  int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
