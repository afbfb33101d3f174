// Package ingest gates files through the ingestion ledger and runs the
// parse, classify and commit pipeline over a directory of CDR files.
package ingest

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cdr-reporter/internal/model"
)

// Ledger is the durable record of ingested file identities. store.Store
// satisfies it.
type Ledger interface {
	HasFile(ctx context.Context, file model.FileIdentity) (bool, error)
	MarkIngested(ctx context.Context, file model.FileIdentity, recordCount int) (*model.LedgerEntry, error)
}

// Tracker decides whether a raw file still needs ingesting.
type Tracker struct {
	ledger Ledger
}

// NewTracker creates a Tracker over the given ledger.
func NewTracker(l Ledger) *Tracker {
	return &Tracker{ledger: l}
}

// ShouldIngest reports whether the file's identity is absent from the ledger.
// A file renamed, resized or rewritten counts as new.
func (t *Tracker) ShouldIngest(ctx context.Context, f model.RawFile) (bool, error) {
	seen, err := t.ledger.HasFile(ctx, f.Identity())
	if err != nil {
		return false, eris.Wrapf(err, "ingest: check ledger for %s", f.Path)
	}
	return !seen, nil
}

// MarkIngested records the file without records. It returns
// store.ErrIngestionConflict unwrapped when the identity is already present.
func (t *Tracker) MarkIngested(ctx context.Context, f model.RawFile, recordCount int) error {
	_, err := t.ledger.MarkIngested(ctx, f.Identity(), recordCount)
	return err
}
