package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/relaybot/mediarelay/internal/events"
)

const notifyTimeout = 10 * time.Second

// runNotifier forwards the few user-actionable events as plain text
// messages to the recipient. Delivery is best-effort; a failed send is
// logged and dropped, never retried. The channel is subscribed before
// restore so the restore summary is not missed.
func (s *Supervisor) runNotifier(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			text := statusText(ev)
			if text == "" || s.target == "" {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, notifyTimeout)
			err := s.msgr.SendStatus(sctx, s.target, text)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Str("event", string(ev.Type())).Msg("status notification failed")
			}
		}
	}
}

// statusText renders the outbound text for an event, or "" for events
// that stay internal.
func statusText(ev events.Event) string {
	switch e := ev.(type) {
	case events.SecretEvent:
		return fmt.Sprintf("Archive %q is password protected. Reply with: secret %s:<password>",
			e.ArchiveName, e.ArchiveName)
	case events.TaskEvent:
		if e.EventType == events.EventTaskQuarantined {
			return fmt.Sprintf("Giving up on %q after repeated failures (%s). The file was kept aside.",
				e.Name, e.Class)
		}
	case events.RestoreEvent:
		if e.Restored > 0 {
			return fmt.Sprintf("Resumed after restart: %d pending transfers restored, %d regrouped into %d albums.",
				e.Restored, e.Regrouped, e.Albums)
		}
	}
	return ""
}
