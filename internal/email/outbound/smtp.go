package outbound

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/abcotronics/docreply/internal/config"
)

// Transport delivers a rendered message.
type Transport interface {
	Send(ctx context.Context, from string, recipients []string, msg []byte) error
}

// SMTPSender delivers over SMTP. With TLS set the connection is wrapped from
// the start; otherwise STARTTLS is used when the server offers it.
type SMTPSender struct {
	Host       string
	Port       int
	User       string
	Password   string
	TLS        bool
	SkipVerify bool
	Timeout    time.Duration
	Logger     *log.Logger
}

// NewSMTPSender maps the email config section.
func NewSMTPSender(cfg config.EmailConfig) *SMTPSender {
	return &SMTPSender{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		User:       cfg.SMTP.User,
		Password:   cfg.SMTP.Password,
		TLS:        cfg.SMTP.TLS,
		SkipVerify: cfg.SMTP.SkipVerify,
		Timeout:    30 * time.Second,
	}
}

func (s *SMTPSender) addr() string {
	port := s.Port
	if port == 0 {
		port = 587
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// Send runs one SMTP transaction. Every recipient must be accepted.
func (s *SMTPSender) Send(ctx context.Context, from string, recipients []string, msg []byte) error {
	if s.Host == "" {
		return fmt.Errorf("smtp host not configured")
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConfig := &tls.Config{ServerName: s.Host, InsecureSkipVerify: s.SkipVerify} //nolint:gosec // G402 skip_verify is operator opt-in
	dialer := &net.Dialer{}
	var conn net.Conn
	var err error
	if s.TLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", s.addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.addr())
	}
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if !s.TLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if s.User != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(smtp.PlainAuth("", s.User, s.Password, s.Host)); err != nil {
				return fmt.Errorf("SMTP authentication failed: %w", err)
			}
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("recipient %s rejected: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start data transfer: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write email data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data transfer: %w", err)
	}
	if err := client.Quit(); err != nil && s.Logger != nil {
		s.Logger.Printf("smtp: quit: %v", err)
	}
	return nil
}
