package postmaster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcotronics/docreply/internal/email/inbound/connector"
	"github.com/abcotronics/docreply/internal/email/inbound/provider"
)

type stubProcessor struct {
	got []*provider.ReceivedEmail
	res Result
	err error
}

func (s *stubProcessor) ProcessMessage(_ context.Context, email *provider.ReceivedEmail) (Result, error) {
	s.got = append(s.got, email)
	return s.res, s.err
}

const mailboxReply = "From: Jane Client <jane@client.example>\r\n" +
	"To: documents@in.example.com\r\n" +
	"Subject: Re: March statements\r\n" +
	"Message-Id: <reply-7@client.example>\r\n" +
	"In-Reply-To: <docreq-1234@in.example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Attached.\r\n"

func TestServiceHandsParsedMessageToProcessor(t *testing.T) {
	proc := &stubProcessor{res: Result{Processed: true}}
	svc := Service{Processor: proc, Filters: []Filter{AutoReplyFilter{}}, Logger: quiet}

	err := svc.Handle(context.Background(), &connector.Message{RemoteID: "u@h:1", Raw: []byte(mailboxReply)})
	require.NoError(t, err)
	require.Len(t, proc.got, 1)
	email := proc.got[0]
	assert.Equal(t, "reply-7@client.example", email.ID)
	assert.Equal(t, "<docreq-1234@in.example.com>", email.Header("in-reply-to"))
	assert.Contains(t, email.Text, "Attached.")
}

func TestServiceDropsAutoReplies(t *testing.T) {
	proc := &stubProcessor{}
	stats := NewStats(nil)
	svc := Service{Processor: proc, Filters: []Filter{AutoReplyFilter{}}, Stats: stats, Logger: quiet}

	raw := "Auto-Submitted: auto-replied\r\n" + mailboxReply
	require.NoError(t, svc.Handle(context.Background(), &connector.Message{Raw: []byte(raw)}))
	assert.Empty(t, proc.got)
	assert.Equal(t, int64(1), stats.Snapshot().Skipped[ReasonAutoReply])
}

func TestServiceUnreadableMessageIsNotRetried(t *testing.T) {
	proc := &stubProcessor{}
	svc := Service{Processor: proc, Logger: quiet}
	require.NoError(t, svc.Handle(context.Background(), &connector.Message{}))
	assert.Empty(t, proc.got)
}

func TestServiceProcessingErrorIsReturned(t *testing.T) {
	proc := &stubProcessor{err: errors.New("db down")}
	svc := Service{Processor: proc, Logger: quiet}
	err := svc.Handle(context.Background(), &connector.Message{RemoteID: "u@h:2", Raw: []byte(mailboxReply)})
	assert.ErrorContains(t, err, "db down")
}

func TestAutoReplyFilter(t *testing.T) {
	f := AutoReplyFilter{}
	cases := []struct {
		name  string
		email provider.ReceivedEmail
		drop  bool
	}{
		{"human reply", provider.ReceivedEmail{From: "jane@client.example"}, false},
		{"auto-submitted no", provider.ReceivedEmail{Headers: map[string]string{"auto-submitted": "no"}}, false},
		{"auto-submitted", provider.ReceivedEmail{Headers: map[string]string{"auto-submitted": "auto-generated"}}, true},
		{"x-autoreply", provider.ReceivedEmail{Headers: map[string]string{"x-autoreply": "yes"}}, true},
		{"bulk", provider.ReceivedEmail{Headers: map[string]string{"precedence": "Bulk"}}, true},
		{"dsn", provider.ReceivedEmail{Headers: map[string]string{"content-type": "multipart/report; report-type=delivery-status; boundary=x"}}, true},
		{"mailer daemon", provider.ReceivedEmail{From: "Mail Delivery System <MAILER-DAEMON@mx.example>"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			email := tc.email
			assert.Equal(t, tc.drop, f.Drop(&email))
		})
	}
}
