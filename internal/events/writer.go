package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agora/internal/domain"
)

// Writer appends immutable workspace events inside the caller's transaction.
// Rows are never updated or deleted.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, spaceID, proposalID, documentID, actorID string, meta domain.EventMeta) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal event meta: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(type,space_id,proposal_id,document_id,actor_id,meta_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		evtType, spaceID, proposalID, documentID, actorID, string(data), ts)
	return err
}

// StatusChanged emits the stage-transition audit record.
func (w Writer) StatusChanged(ctx context.Context, tx *sql.Tx, spaceID, proposalID, documentID, actorID string, meta domain.EventMeta) error {
	return w.Append(ctx, tx, domain.EventStatusChanged, spaceID, proposalID, documentID, actorID, meta)
}
