package imap

import (
	"context"
	"time"

	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/client"
)

// idleFallbackPoll is the polling interval used when the server does not
// support the IDLE extension.
const idleFallbackPoll = 5 * time.Second

// Idle holds the session in read-idle mode on the currently selected
// mailbox until ctx is canceled. Server pushes received while idling are
// surfaced through Events. The idle occupies the operation queue, so cancel
// ctx before issuing further commands.
func (c *Connection) Idle(ctx context.Context) error {
	return c.Run(ctx, "idle", func(cl *client.Client) error {
		idleClient := idle.NewClient(cl)

		stop := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- idleClient.IdleWithFallback(stop, idleFallbackPoll)
		}()

		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return nil
		case err := <-done:
			return err
		}
	})
}
