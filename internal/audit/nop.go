package audit

import "github.com/krobus00/trading-core/internal/entity"

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(entity.AuditEvent) {}
