package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/energino-core/internal/audit"
)

// auditChanSize bounds the pending audit entries; overflow is dropped.
const auditChanSize = 256

// auditLog queues an entry for the background writer.
func (s *Server) auditLog(action, feedID string, details map[string]any) {
	if s.auditRepo == nil || s.auditCh == nil {
		return
	}

	entry := &audit.Entry{
		Action:     action,
		EntityType: audit.EntityFeed,
		EntityID:   feedID,
		Source:     audit.SourceAPI,
		Details:    details,
	}

	select {
	case s.auditCh <- entry:
	default:
		s.logger.Warn("audit channel full, dropping entry", "action", action, "feed_id", feedID)
	}
}

// drainAuditLog writes queued entries one at a time until ctx is
// cancelled, then flushes whatever is left.
func (s *Server) drainAuditLog(ctx context.Context) {
	write := func(entry *audit.Entry) {
		if err := s.auditRepo.Create(context.WithoutCancel(ctx), entry); err != nil {
			s.logger.Error("audit write failed", "action", entry.Action, "error", err)
		}
	}
	for {
		select {
		case entry := <-s.auditCh:
			write(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-s.auditCh:
					write(entry)
				default:
					return
				}
			}
		}
	}
}

// handleListAudit serves GET /audit. Filters: action, entity_type,
// entity_id, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeNotFound(w, "audit trail not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = n
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
