package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/knadh/go-pop3"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

// POP3Fetcher reads replies from a POP3 maildrop. POP3 has no flags, so
// without DeleteAfterFetch every poll sees the whole maildrop again and
// relies on the handler to skip replies it already turned into comments.
type POP3Fetcher struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger
	newConn     func(Mailbox) (pop3Connection, error)
}

// POP3FetcherOption customizes a POP3Fetcher.
type POP3FetcherOption func(*POP3Fetcher)

func NewPOP3Fetcher(opts ...POP3FetcherOption) *POP3Fetcher {
	f := &POP3Fetcher{
		dialTimeout: 10 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Default(),
	}
	f.newConn = f.dial
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

func WithPOP3Logger(logger *log.Logger) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithPOP3DialTimeout(timeout time.Duration) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// WithPOP3Clock overrides the wall clock.
func WithPOP3Clock(now func() time.Time) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

func withPOP3ConnFactory(factory func(Mailbox) (pop3Connection, error)) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if factory != nil {
			f.newConn = factory
		}
	}
}

func (f *POP3Fetcher) Protocol() string { return "pop3" }

// Fetch retrieves up to the mailbox limit of messages and hands each to
// handler. Accepted messages are deleted when the mailbox asks for it.
func (f *POP3Fetcher) Fetch(ctx context.Context, mailbox Mailbox, handler Handler) (int, error) {
	if handler == nil {
		return 0, errors.New("pop3 fetcher requires a handler")
	}
	if err := mailbox.Validate(); err != nil {
		return 0, err
	}
	if mailbox.Protocol() != "pop3" {
		return 0, fmt.Errorf("mailbox type %s not supported by POP3 fetcher", mailbox.Type)
	}

	conn, err := f.newConn(mailbox)
	if err != nil {
		return 0, fmt.Errorf("pop3 connect: %w", err)
	}
	// QUIT commits the DELE marks, so it runs on every path.
	defer f.safeQuit(conn)

	if err := conn.Auth(mailbox.Username, mailbox.Password); err != nil {
		return 0, fmt.Errorf("pop3 auth: %w", err)
	}
	listing, err := conn.Uidl(0)
	if err != nil {
		return 0, fmt.Errorf("pop3 uidl: %w", err)
	}
	if limit := mailbox.limit(); len(listing) > limit {
		listing = listing[:limit]
	}

	accepted := 0
	var failures []error
	for _, entry := range listing {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		payload, err := conn.RetrRaw(entry.ID)
		if err != nil {
			failures = append(failures, fmt.Errorf("pop3 retr %d: %w", entry.ID, err))
			continue
		}
		uid := entry.UID
		if uid == "" {
			uid = strconv.Itoa(entry.ID)
		}
		msg := &Message{
			Protocol:   f.Protocol(),
			UID:        uid,
			RemoteID:   mailbox.remoteID(uid),
			ReceivedAt: f.now(),
			Raw:        append([]byte(nil), payload.Bytes()...),
		}
		if err := handler.Handle(ctx, msg); err != nil {
			f.logf("pop3: message %s not processed: %v", msg.RemoteID, err)
			failures = append(failures, fmt.Errorf("message %s: %w", uid, err))
			continue
		}
		accepted++
		if mailbox.DeleteAfterFetch {
			if err := conn.Dele(entry.ID); err != nil {
				failures = append(failures, fmt.Errorf("pop3 delete %d: %w", entry.ID, err))
			}
		}
	}
	return accepted, errors.Join(failures...)
}

func (f *POP3Fetcher) safeQuit(conn pop3Connection) {
	if conn == nil {
		return
	}
	if err := conn.Quit(); err != nil {
		f.logf("pop3 quit error: %v", err)
	}
}

func (f *POP3Fetcher) logf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Printf(format, args...)
	}
}

func (f *POP3Fetcher) dial(mailbox Mailbox) (pop3Connection, error) {
	client := pop3.New(pop3.Opt{
		Host:        mailbox.Host,
		Port:        mailbox.port(),
		DialTimeout: f.dialTimeout,
		TLSEnabled:  mailbox.TLS(),
	})
	return client.NewConn()
}
