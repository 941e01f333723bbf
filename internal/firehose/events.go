// Package firehose maintains the relay subscription: it dials the
// repository-subscription WebSocket, decodes commit frames and their
// embedded CAR blocks into logical events, and manages the persisted
// resume cursor.
package firehose

import "context"

// Action is the mutation kind of a commit op.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Op is one record-level mutation inside a commit. Record is nil for
// deletes and for ops whose block could not be decoded.
type Op struct {
	Action     Action         `json:"action"`
	Collection string         `json:"collection"`
	Rkey       string         `json:"rkey"`
	URI        string         `json:"uri"`
	CID        string         `json:"cid,omitempty"`
	Record     map[string]any `json:"record,omitempty"`
}

// CommitEvent is one decoded #commit frame.
type CommitEvent struct {
	Seq  int64  `json:"seq"`
	Repo string `json:"repo"`
	Ops  []Op   `json:"ops"`
}

// IdentityEvent is one #identity frame (handle change).
type IdentityEvent struct {
	Seq    int64  `json:"seq"`
	DID    string `json:"did"`
	Handle string `json:"handle,omitempty"`
}

// AccountEvent is one #account frame (account status change).
type AccountEvent struct {
	Seq    int64  `json:"seq"`
	DID    string `json:"did"`
	Active bool   `json:"active"`
	Status string `json:"status,omitempty"`
}

// Handler consumes decoded firehose events. The live pipeline wires in
// the processor; the reader binary wires in a JetStream publisher;
// backfill wraps the processor with its window filter.
type Handler interface {
	HandleCommit(ctx context.Context, evt *CommitEvent) error
	HandleIdentity(ctx context.Context, evt *IdentityEvent) error
	HandleAccount(ctx context.Context, evt *AccountEvent) error
}
