package imap

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"
)

const (
	dialTimeout = 5 * time.Second
	opQueueSize = 64
)

// Auth holds the resolved credential material for one account. Exactly one
// of Password or RefreshToken is normally set; AccessToken short-circuits
// the refresh exchange when a caller already holds a valid token.
type Auth struct {
	Username     string
	Password     string
	RefreshToken string
	AccessToken  string
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Options configures a Connection.
type Options struct {
	Addr   string // host:port
	UseTLS bool
	Auth   Auth
}

// EventKind identifies a server-initiated notification.
type EventKind int

const (
	// EventNewMail fires when the selected box reports more messages than
	// previously seen. De-duplicated per box.
	EventNewMail EventKind = iota
	// EventMetadataChange fires when another client changed flags or
	// expunged messages in the selected box.
	EventMetadataChange
)

// Event is a server-initiated notification about the selected mailbox.
type Event struct {
	Kind  EventKind
	Box   string
	Count uint32
}

type operation struct {
	name string
	fn   func(*client.Client) error
	done chan error
}

// Connection owns a single live IMAP session. All commands issued against
// the session go through an internal FIFO queue, so exactly one command is
// in flight at a time. A Connection may be reconnected after a retryable
// failure by calling Connect again.
type Connection struct {
	opts Options

	mu         sync.Mutex
	client     *client.Client
	connecting chan struct{}
	connectErr error
	caps       map[string]bool
	selected   string
	done       chan struct{}
	ops        chan *operation

	queueEmpty chan struct{}
	events     chan Event
	lastCount  map[string]uint32
}

// NewConnection creates an unconnected Connection.
func NewConnection(opts Options) *Connection {
	return &Connection{
		opts:       opts,
		queueEmpty: make(chan struct{}, 1),
		events:     make(chan Event, 64),
		lastCount:  make(map[string]uint32),
	}
}

// Connect establishes the session if there is none. Concurrent callers
// share a single in-flight attempt. On failure the returned error is
// classified and partial state is torn down, so a later Connect is safe.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		return nil
	}
	if c.connecting != nil {
		attempt := c.connecting
		c.mu.Unlock()
		select {
		case <-attempt:
			c.mu.Lock()
			err := c.connectErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := make(chan struct{})
	c.connecting = attempt
	c.mu.Unlock()

	cl, caps, err := c.dial(ctx)

	c.mu.Lock()
	c.connecting = nil
	c.connectErr = err
	if err == nil {
		c.client = cl
		c.caps = caps
		c.selected = ""
		c.done = make(chan struct{})
		c.ops = make(chan *operation, opQueueSize)

		updates := make(chan client.Update, 64)
		cl.Updates = updates

		go c.runLoop(cl, c.ops, c.done)
		go c.translateUpdates(updates, c.done)
	}
	c.mu.Unlock()
	close(attempt)

	return err
}

func (c *Connection) dial(ctx context.Context) (*client.Client, map[string]bool, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}

	var cl *client.Client
	var err error
	if c.opts.UseTLS {
		cl, err = client.DialWithDialerTLS(dialer, c.opts.Addr, nil)
	} else {
		cl, err = client.DialWithDialer(dialer, c.opts.Addr)
	}
	if err != nil {
		return nil, nil, classify("dial", err)
	}

	if err := c.login(ctx, cl); err != nil {
		_ = cl.Terminate()
		return nil, nil, err
	}

	caps, err := cl.Capability()
	if err != nil {
		_ = cl.Terminate()
		return nil, nil, classify("capability", err)
	}

	return cl, caps, nil
}

func (c *Connection) login(ctx context.Context, cl *client.Client) error {
	auth := c.opts.Auth

	if auth.Password != "" {
		if err := cl.Login(auth.Username, auth.Password); err != nil {
			return classify("login", err)
		}
		return nil
	}

	token := auth.AccessToken
	if token == "" {
		resolved, err := ResolveAccessToken(ctx, auth)
		if err != nil {
			return classify("authenticate", fmt.Errorf("failed to refresh access token: %w", err))
		}
		token = resolved
	}

	if err := cl.Authenticate(XOAuth2Client(auth.Username, token)); err != nil {
		return classify("authenticate", err)
	}
	return nil
}

// ResolveAccessToken exchanges a refresh token for a short-lived access
// token. The SMTP send path shares it, so both protocols authenticate with
// the same material.
func ResolveAccessToken(ctx context.Context, auth Auth) (string, error) {
	conf := &oauth2.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: auth.TokenURL},
	}

	source := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: auth.RefreshToken})
	token, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("failed to exchange refresh token: %w", err)
	}

	return token.AccessToken, nil
}

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail and
// Outlook. The server sends a challenge only on failure; responding with an
// empty line makes it return a proper tagged error.
type xoauth2Client struct {
	username string
	token    string
}

// XOAuth2Client builds a SASL client for the given username and token.
func XOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (a *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.username, a.token))
	return "XOAUTH2", ir, nil
}

func (a *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte(""), nil
}

// runLoop executes queued operations strictly one at a time, in submission
// order. When the connection ends, all queued operations are rejected.
func (c *Connection) runLoop(cl *client.Client, ops chan *operation, done chan struct{}) {
	for {
		select {
		case <-done:
			for {
				select {
				case op := <-ops:
					op.done <- ErrConnectionEnded
				default:
					return
				}
			}
		case op := <-ops:
			op.done <- op.fn(cl)
			if len(ops) == 0 {
				select {
				case c.queueEmpty <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (c *Connection) translateUpdates(updates chan client.Update, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case update := <-updates:
			if update == nil {
				continue
			}
			c.handleUpdate(update)
		}
	}
}

func (c *Connection) handleUpdate(update client.Update) {
	switch u := update.(type) {
	case *client.MailboxUpdate:
		if u.Mailbox == nil {
			return
		}
		box := u.Mailbox.Name
		count := u.Mailbox.Messages

		c.mu.Lock()
		last, seen := c.lastCount[box]
		c.lastCount[box] = count
		c.mu.Unlock()

		// Only a growing message count is new mail; the same status pushed
		// twice must not fire twice.
		if seen && count <= last {
			return
		}
		c.emit(Event{Kind: EventNewMail, Box: box, Count: count})
	case *client.MessageUpdate:
		c.emit(Event{Kind: EventMetadataChange, Box: c.SelectedBox()})
	case *client.ExpungeUpdate:
		c.emit(Event{Kind: EventMetadataChange, Box: c.SelectedBox()})
	}
}

func (c *Connection) emit(e Event) {
	select {
	case c.events <- e:
	default:
		log.Printf("Warning: dropping IMAP event %d for box %q, event buffer full", e.Kind, e.Box)
	}
}

// Events returns the server-notification stream.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// QueueEmpty signals whenever the operation queue drains. Used for idle
// detection.
func (c *Connection) QueueEmpty() <-chan struct{} {
	return c.queueEmpty
}

// Run enqueues fn on the FIFO queue and waits for it. The wait is raced
// against both ctx and connection teardown, so a dropped session rejects
// instead of hanging.
func (c *Connection) Run(ctx context.Context, name string, fn func(*client.Client) error) error {
	c.mu.Lock()
	cl, done, ops := c.client, c.done, c.ops
	c.mu.Unlock()

	if cl == nil {
		return &Error{Kind: KindConnectionNotReady, Op: name}
	}

	op := &operation{name: name, fn: fn, done: make(chan error, 1)}

	select {
	case ops <- op:
	case <-done:
		return classify(name, ErrConnectionEnded)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.done:
		return classify(name, err)
	case <-done:
		return classify(name, ErrConnectionEnded)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether a live session exists.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// SelectedBox returns the name of the currently selected mailbox, or "".
func (c *Connection) SelectedBox() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// SupportsGmailExt reports the X-GM-EXT-1 capability (Gmail labels, thread
// ids, message ids).
func (c *Connection) SupportsGmailExt() bool { return c.hasCapability("X-GM-EXT-1") }

// SupportsThread reports server-side THREAD=REFERENCES support.
func (c *Connection) SupportsThread() bool { return c.hasCapability("THREAD=REFERENCES") }

// SupportsMove reports the MOVE capability.
func (c *Connection) SupportsMove() bool { return c.hasCapability("MOVE") }

// SupportsUIDPlus reports the UIDPLUS capability.
func (c *Connection) SupportsUIDPlus() bool { return c.hasCapability("UIDPLUS") }

func (c *Connection) hasCapability(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps[name]
}

// OpenBox selects a mailbox and returns a handle bound to it. Any handle
// bound to a previously selected box becomes stale.
func (c *Connection) OpenBox(ctx context.Context, name string, readOnly bool) (*Mailbox, error) {
	var status *imap.MailboxStatus
	err := c.Run(ctx, "select", func(cl *client.Client) error {
		var err error
		status, err = cl.Select(name, readOnly)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select %q: %w", name, err)
	}

	c.mu.Lock()
	c.selected = name
	c.lastCount[name] = status.Messages
	c.mu.Unlock()

	return &Mailbox{conn: c, name: name, status: status}, nil
}

// ListBoxes returns the server's full mailbox list, pre-flattened with
// delimited path names.
func (c *Connection) ListBoxes(ctx context.Context) ([]*imap.MailboxInfo, error) {
	var boxes []*imap.MailboxInfo
	err := c.Run(ctx, "list", func(cl *client.Client) error {
		infos := make(chan *imap.MailboxInfo, 32)
		done := make(chan error, 1)
		go func() {
			done <- cl.List("", "*", infos)
		}()
		for info := range infos {
			boxes = append(boxes, info)
		}
		return <-done
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	return boxes, nil
}

// CreateBox creates a mailbox.
func (c *Connection) CreateBox(ctx context.Context, name string) error {
	return c.Run(ctx, "create", func(cl *client.Client) error {
		return cl.Create(name)
	})
}

// RenameBox renames a mailbox.
func (c *Connection) RenameBox(ctx context.Context, oldName, newName string) error {
	return c.Run(ctx, "rename", func(cl *client.Client) error {
		return cl.Rename(oldName, newName)
	})
}

// DeleteBox deletes a mailbox.
func (c *Connection) DeleteBox(ctx context.Context, name string) error {
	return c.Run(ctx, "delete", func(cl *client.Client) error {
		return cl.Delete(name)
	})
}

// Append adds a raw message to the named mailbox. The mailbox does not need
// to be selected.
func (c *Connection) Append(ctx context.Context, box string, flags []string, date time.Time, raw []byte) error {
	return c.Run(ctx, "append", func(cl *client.Client) error {
		return cl.Append(box, flags, date, bytes.NewReader(raw))
	})
}

// End forcibly closes the session and rejects everything still queued.
func (c *Connection) End() {
	c.mu.Lock()
	cl := c.client
	done := c.done
	c.client = nil
	c.caps = nil
	c.selected = ""
	c.done = nil
	c.ops = nil
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	if cl != nil {
		if err := cl.Terminate(); err != nil {
			log.Printf("Warning: failed to terminate IMAP connection: %v", err)
		}
	}
}
