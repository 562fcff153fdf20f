package workspace

import (
	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/event"
	"github.com/Iron-Ham/agentspace/internal/logging"
	"github.com/Iron-Ham/agentspace/internal/metadata"
)

// auditSink appends every committed store event to the audit log and
// announces state changes on the bus. It runs inside the store's
// per-path critical section, so bus handlers must not call the store.
type auditSink struct {
	log    *audit.Log
	bus    *event.Bus
	logger *logging.Logger
}

func (s *auditSink) Commit(e audit.Event, before, after metadata.FileRecord) {
	if err := s.log.Append(e); err != nil {
		// The record already changed; losing the line is preferable to
		// failing the agent's operation.
		s.logger.Error("failed to append audit event", "path", e.Path, "action", string(e.Action), "error", err)
	}
	if before.State != after.State || e.Action == audit.ActionCreated {
		s.bus.Publish(event.NewFileStateChangedEvent(e.Path, e.Agent, string(e.Action),
			before.State.String(), after.State.String()))
	}
}
