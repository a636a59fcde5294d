// Package mailtest captures outgoing mail in memory.
package mailtest

import (
	"context"
	"sync"

	"github.com/victorgomez09/inkwell/internal/mail"
)

type Outbox struct {
	mu   sync.Mutex
	msgs []mail.Message
	Err  error
}

func (o *Outbox) Send(_ context.Context, msg mail.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return o.Err
	}
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *Outbox) Messages() []mail.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]mail.Message, len(o.msgs))
	copy(out, o.msgs)
	return out
}
