package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abcotronics/docreply/internal/config"
)

const defaultMaxMessages = 50

// Mailbox is the reply inbox that clients answer document requests into.
type Mailbox struct {
	Type             string // imap, imaps, pop3, pop3s
	Host             string
	Port             int
	Username         string
	Password         string
	Folder           string
	DeleteAfterFetch bool
	MaxMessages      int
}

// MailboxFromConfig maps the mailbox config section.
func MailboxFromConfig(cfg config.MailboxConfig) Mailbox {
	return Mailbox{
		Type:             cfg.Type,
		Host:             cfg.Host,
		Port:             cfg.Port,
		Username:         cfg.Username,
		Password:         cfg.Password,
		Folder:           cfg.Folder,
		DeleteAfterFetch: cfg.DeleteAfterFetch,
	}
}

// Protocol returns "imap" or "pop3", or "" for unknown types.
func (m Mailbox) Protocol() string {
	switch normalizeType(m.Type) {
	case "imap", "imaps", "imap_tls", "imaps_tls", "imaptls":
		return "imap"
	case "pop3", "pop3s", "pop3_tls", "pop3s_tls":
		return "pop3"
	default:
		return ""
	}
}

// TLS reports whether the connection is wrapped in TLS from the start.
func (m Mailbox) TLS() bool {
	switch normalizeType(m.Type) {
	case "imaps", "imap_tls", "imaps_tls", "imaptls", "pop3s", "pop3_tls", "pop3s_tls":
		return true
	default:
		return false
	}
}

// Address returns host:port, filling in the protocol's standard port.
func (m Mailbox) Address() string {
	return fmt.Sprintf("%s:%d", m.Host, m.port())
}

func (m Mailbox) port() int {
	if m.Port > 0 {
		return m.Port
	}
	switch {
	case m.Protocol() == "imap" && m.TLS():
		return 993
	case m.Protocol() == "imap":
		return 143
	case m.TLS():
		return 995
	default:
		return 110
	}
}

func (m Mailbox) folder() string {
	if m.Folder == "" {
		return "INBOX"
	}
	return m.Folder
}

func (m Mailbox) limit() int {
	if m.MaxMessages <= 0 {
		return defaultMaxMessages
	}
	return m.MaxMessages
}

// Validate checks that the mailbox can be dialed.
func (m Mailbox) Validate() error {
	if m.Protocol() == "" {
		return fmt.Errorf("unsupported mailbox type %q", m.Type)
	}
	if m.Host == "" {
		return errors.New("mailbox missing host")
	}
	if m.Username == "" {
		return errors.New("mailbox missing username")
	}
	if m.Password == "" {
		return errors.New("mailbox missing password")
	}
	return nil
}

func (m Mailbox) remoteID(uid string) string {
	if m.Username == "" {
		return fmt.Sprintf("%s:%s", m.Host, uid)
	}
	return fmt.Sprintf("%s@%s:%s", m.Username, m.Host, uid)
}

// Message is one raw RFC 5322 message read from the mailbox.
type Message struct {
	Protocol   string
	UID        string
	RemoteID   string
	ReceivedAt time.Time
	Raw        []byte
}

// Handler consumes fetched messages. A returned error leaves the message in
// the mailbox so the next poll retries it.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// Fetcher drains one mailbox protocol. It returns how many messages the
// handler accepted.
type Fetcher interface {
	Protocol() string
	Fetch(ctx context.Context, mailbox Mailbox, handler Handler) (int, error)
}

func normalizeType(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
