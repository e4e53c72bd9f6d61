package events

import "context"

// IdentityMasker maps a raw identity to the value exported in events.
type IdentityMasker interface {
	Pseudonymize(identity string) string
}

// PseudonymizingPublisher rewrites event identities before handing them to next.
type PseudonymizingPublisher struct {
	next   Publisher
	masker IdentityMasker
}

func NewPseudonymizingPublisher(next Publisher, masker IdentityMasker) *PseudonymizingPublisher {
	return &PseudonymizingPublisher{next: next, masker: masker}
}

func (p *PseudonymizingPublisher) Publish(ctx context.Context, event Event) error {
	event.Identity = p.masker.Pseudonymize(event.Identity)
	return p.next.Publish(ctx, event)
}

func (p *PseudonymizingPublisher) Close() error {
	return p.next.Close()
}
