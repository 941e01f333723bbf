package store

import (
	"context"
	"time"
)

// ApplyLabelParams is one label assertion from a labeler.
type ApplyLabelParams struct {
	URI       string
	Src       string
	Subject   string
	Val       string
	Neg       bool
	CreatedAt time.Time
}

const applyLabel = `
INSERT INTO labels (uri, src, subject, val, neg, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (src, subject, val) DO UPDATE SET
    uri = EXCLUDED.uri,
    neg = EXCLUDED.neg,
    created_at = EXCLUDED.created_at
WHERE EXCLUDED.created_at >= labels.created_at`

// ApplyLabel upserts one assertion under highest-timestamp-wins per
// (src, subject, val). Negations are stored as rows rather than
// deleting, so a redelivered assert older than a negation finds the
// negation in place and loses to it.
func (q *Queries) ApplyLabel(ctx context.Context, arg ApplyLabelParams) error {
	_, err := q.db.Exec(ctx, applyLabel,
		arg.URI, arg.Src, arg.Subject, arg.Val, arg.Neg, arg.CreatedAt)
	return mapError(err)
}

const activeLabels = `
SELECT val FROM labels
WHERE src = $1 AND subject = $2 AND NOT neg
ORDER BY created_at`

// ActiveLabels returns the non-negated label values currently in
// effect for subject as asserted by src.
func (q *Queries) ActiveLabels(ctx context.Context, src, subject string) ([]string, error) {
	rows, err := q.db.Query(ctx, activeLabels, src, subject)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var vals []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, rows.Err()
}
