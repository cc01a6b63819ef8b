package gate

import "context"

// Inbox is the bounded admission counter. Every admitted request holds one
// inbox slot from Enter until the stream finalizes, so the counter equals
// the number of in-flight requests across all replicas.
type Inbox struct {
	backend Backend
	max     int
}

// NewInbox creates an inbox capped at max admitted requests.
func NewInbox(backend Backend, max int) *Inbox {
	return &Inbox{backend: backend, max: max}
}

// Enter admits the request and returns its position, the post-increment
// counter value. Positions are informational; concurrent callers may observe
// interleaved values. Returns ErrInboxFull at capacity.
func (i *Inbox) Enter(ctx context.Context) (int, error) {
	return i.backend.InboxEnter(ctx, i.max)
}

// Leave releases one admission slot. It runs detached from the caller's
// cancellation: finalization happens on disconnect and timeout paths too,
// and a cancelled context must never leak the slot.
func (i *Inbox) Leave(ctx context.Context) error {
	return i.backend.InboxLeave(context.WithoutCancel(ctx))
}
