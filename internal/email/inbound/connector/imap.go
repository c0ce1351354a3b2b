package connector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

// The whole message, fetched without setting \Seen so that a failed reply is
// picked up again by the next poll.
var wholeMessage = &imap.FetchItemBodySection{Peek: true}

// IMAPFetcher reads unseen replies from an IMAP folder.
type IMAPFetcher struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger
	newClient   func(Mailbox) (imapClient, error)
}

// IMAPFetcherOption customizes an IMAPFetcher.
type IMAPFetcherOption func(*IMAPFetcher)

func NewIMAPFetcher(opts ...IMAPFetcherOption) *IMAPFetcher {
	f := &IMAPFetcher{
		dialTimeout: 10 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Default(),
	}
	f.newClient = f.dial
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// WithIMAPLogger overrides the logger used for connector diagnostics.
func WithIMAPLogger(logger *log.Logger) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithIMAPDialTimeout(timeout time.Duration) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// WithIMAPClock overrides the wall clock.
func WithIMAPClock(now func() time.Time) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if now != nil {
			f.now = now
		}
	}
}

func withIMAPClientFactory(factory func(Mailbox) (imapClient, error)) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if factory != nil {
			f.newClient = factory
		}
	}
}

func (f *IMAPFetcher) Protocol() string { return "imap" }

// Fetch hands every unseen message (up to the mailbox limit) to handler.
// Accepted messages are flagged \Seen, or deleted when the mailbox says so.
// Handler failures are collected and leave the message unseen.
func (f *IMAPFetcher) Fetch(ctx context.Context, mailbox Mailbox, handler Handler) (int, error) {
	if handler == nil {
		return 0, errors.New("imap fetcher requires a handler")
	}
	if err := mailbox.Validate(); err != nil {
		return 0, err
	}
	if mailbox.Protocol() != "imap" {
		return 0, fmt.Errorf("mailbox type %s not supported by IMAP fetcher", mailbox.Type)
	}

	client, err := f.newClient(mailbox)
	if err != nil {
		return 0, fmt.Errorf("imap connect: %w", err)
	}
	defer f.safeClose(client)

	if err := client.Login(mailbox.Username, mailbox.Password).Wait(); err != nil {
		return 0, fmt.Errorf("imap auth: %w", err)
	}
	folder := mailbox.folder()
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		return 0, fmt.Errorf("imap select %s: %w", folder, err)
	}

	found, err := client.UIDSearch(&imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("imap search: %w", err)
	}
	uids := found.AllUIDs()
	if len(uids) == 0 {
		return 0, client.Logout().Wait()
	}
	if limit := mailbox.limit(); len(uids) > limit {
		uids = uids[:limit]
	}

	buffers, err := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{wholeMessage},
	}).Collect()
	if err != nil {
		return 0, fmt.Errorf("imap fetch: %w", err)
	}

	var accepted []imap.UID
	var failures []error
	for _, buf := range buffers {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		body := buf.FindBodySection(wholeMessage)
		if body == nil {
			continue
		}
		received := buf.InternalDate
		if received.IsZero() {
			received = f.now()
		}
		uid := strconv.FormatUint(uint64(buf.UID), 10)
		msg := &Message{
			Protocol:   f.Protocol(),
			UID:        uid,
			RemoteID:   mailbox.remoteID(uid),
			ReceivedAt: received,
			Raw:        append([]byte(nil), body...),
		}
		if err := handler.Handle(ctx, msg); err != nil {
			f.logf("imap: message %s not processed: %v", msg.RemoteID, err)
			failures = append(failures, fmt.Errorf("message %s: %w", uid, err))
			continue
		}
		accepted = append(accepted, buf.UID)
	}

	if len(accepted) > 0 {
		if err := f.settle(client, mailbox, accepted); err != nil {
			failures = append(failures, err)
		}
	}
	if err := client.Logout().Wait(); err != nil {
		f.logf("imap logout: %v", err)
	}
	return len(accepted), errors.Join(failures...)
}

func (f *IMAPFetcher) settle(client imapClient, mailbox Mailbox, uids []imap.UID) error {
	set := imap.UIDSetNum(uids...)
	if !mailbox.DeleteAfterFetch {
		seen := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagSeen}}
		if err := client.Store(set, seen, nil).Close(); err != nil {
			return fmt.Errorf("imap mark seen: %w", err)
		}
		return nil
	}
	deleted := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted}}
	if err := client.Store(set, deleted, nil).Close(); err != nil {
		return fmt.Errorf("imap store delete: %w", err)
	}
	if err := client.UIDExpunge(set).Close(); err != nil {
		return fmt.Errorf("imap expunge: %w", err)
	}
	return nil
}

func (f *IMAPFetcher) safeClose(client imapClient) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		f.logf("imap close error: %v", err)
	}
}

func (f *IMAPFetcher) logf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Printf(format, args...)
	}
}

func (f *IMAPFetcher) dial(mailbox Mailbox) (imapClient, error) {
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: f.dialTimeout}}
	var (
		client *imapclient.Client
		err    error
	)
	if mailbox.TLS() {
		client, err = imapclient.DialTLS(mailbox.Address(), opts)
	} else {
		client, err = imapclient.DialInsecure(mailbox.Address(), opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}
