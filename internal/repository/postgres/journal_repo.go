package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/usbmode/internal/audit"
)

const journalColumns = 12

// WriteBatch реализует audit.StorageInterface одной вставкой на пачку.
func (r *Repo) WriteBatch(ctx context.Context, events []audit.SelectionEvent) error {
	if len(events) == 0 {
		return nil
	}
	query, args := buildJournalInsert(events)
	_, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: write journal batch: %w", err)
	}
	return nil
}

// buildJournalInsert динамически строит запрос для пакетной вставки.
func buildJournalInsert(events []audit.SelectionEvent) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO usb_selection_journal
		(id, trace_id, session_id, user_id, function, mask, previous_mask, status, reason, error_code, duration_ms, timestamp)
		VALUES `)

	args := make([]any, 0, len(events)*journalColumns)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		p := i * journalColumns
		sb.WriteString("(")
		for c := 1; c <= journalColumns; c++ {
			if c > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", p+c)
		}
		sb.WriteString(")")

		// BIGINT в Postgres знаковый; маски укладываются в младшие биты
		args = append(args,
			e.ID, e.TraceID, e.SessionID, e.UserID,
			e.Function, int64(e.Mask), int64(e.PreviousMask),
			e.Status, e.Reason, e.ErrorCode, e.DurationMs, e.Timestamp,
		)
	}
	return sb.String(), args
}
