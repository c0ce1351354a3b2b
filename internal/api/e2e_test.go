package api

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcotronics/docreply/internal/email/inbound/attachments"
	"github.com/abcotronics/docreply/internal/email/inbound/postmaster"
	"github.com/abcotronics/docreply/internal/email/inbound/threading"
	"github.com/abcotronics/docreply/internal/models"
	"github.com/abcotronics/docreply/internal/resend"
	"github.com/abcotronics/docreply/internal/storage"
)

type memoryRecords struct{ records []models.OutboundMessageRecord }

func (m *memoryRecords) FindByMessageIDs(_ context.Context, ids []string) (*models.OutboundMessageRecord, error) {
	for _, id := range ids {
		for i := range m.records {
			if m.records[i].MessageID == id {
				rec := m.records[i]
				return &rec, nil
			}
		}
	}
	return nil, nil
}

func (m *memoryRecords) ListRecent(_ context.Context, limit int) ([]models.OutboundMessageRecord, error) {
	if limit < len(m.records) {
		return m.records[:limit], nil
	}
	return m.records, nil
}

type memoryComments struct {
	mu       sync.Mutex
	comments []models.ItemComment
}

func (m *memoryComments) Create(_ context.Context, c *models.ItemComment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = int64(len(m.comments) + 1)
	m.comments = append(m.comments, *c)
	return nil
}

func (m *memoryComments) ExistsBySourceEmailID(_ context.Context, emailID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.comments {
		if c.SourceEmailID != nil && *c.SourceEmailID == emailID {
			return true, nil
		}
	}
	return false, nil
}

const rawReply = "From: Client <client@c.example>\r\n" +
	"To: docs@inbound.abcotronics.example\r\n" +
	"Subject: Re: March statements\r\n" +
	"In-Reply-To: <docreq-7f3a@inbound.abcotronics.example>\r\n" +
	"\r\n" +
	"Attached as requested.\r\n"

// A reply whose provider payload carries no headers is threaded through the
// raw message download and lands as a comment on the right cell.
func TestReplyWebhookEndToEnd(t *testing.T) {
	var srvURL string
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/emails/receiving/em_42":
			_, _ = w.Write([]byte(`{"id":"em_42","from":"Client <client@c.example>","subject":"Re: March statements",` +
				`"text":"Attached as requested.\n\nOn Mon, someone wrote:\n> please send","raw":{"download_url":"` + srvURL + `/raw/em_42.eml"}}`))
		case "/emails/receiving/em_42/attachments":
			_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
		case "/raw/em_42.eml":
			w.Header().Set("Content-Type", "message/rfc822")
			_, _ = w.Write([]byte(rawReply))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(provider.Close)
	srvURL = provider.URL

	client, err := resend.NewClient("re_test_e2e", resend.WithBaseURL(provider.URL), resend.WithHTTPClient(provider.Client()))
	require.NoError(t, err)
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	logger := log.New(io.Discard, "", 0)
	section := "s-9"
	records := &memoryRecords{records: []models.OutboundMessageRecord{{
		MessageID:  "docreq-7f3a@inbound.abcotronics.example",
		ProjectID:  "p-1",
		SectionID:  &section,
		DocumentID: "doc-bank",
		Year:       2025,
		Month:      3,
	}}}
	comments := &memoryComments{}
	processor := postmaster.NewReplyProcessor(comments, threading.DefaultMatchChain(records, 50, "docreq-"),
		postmaster.WithEmailFetcher(client),
		postmaster.WithResolver(threading.NewResolver(client, threading.WithResolverLogger(logger))),
		postmaster.WithCollector(attachments.NewCollector(client, store, attachments.WithRetryDelay(0), attachments.WithCollectorLogger(logger))),
		postmaster.WithLogger(logger),
	)

	s := newTestServer()
	s.Replies = processor
	s.Stats = processor.Stats()

	body := []byte(`{"type":"email.received","data":{"email_id":"em_42"}}`)
	w := do(t, s, http.MethodPost, "/api/inbound/document-request-reply", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"processed":true,"projectId":"p-1","itemId":"doc-bank","year":2025,"month":3,"attachmentsAdded":0,"commentCreated":true}`, w.Body.String())

	require.Len(t, comments.comments, 1)
	c := comments.comments[0]
	assert.Equal(t, "doc-bank", c.ItemID)
	assert.Equal(t, 3, c.Month)
	assert.Equal(t, models.AuthorEmailFromClient, c.Author)
	assert.Contains(t, c.Text, "Email from Client (client@c.example)")
	assert.Contains(t, c.Text, "Attached as requested.")
	assert.Contains(t, c.Text, "No attachments")
	assert.Empty(t, c.Attachments)
	require.NotNil(t, c.SourceEmailID)
	assert.Equal(t, "em_42", *c.SourceEmailID)

	w = do(t, s, http.MethodPost, "/api/inbound/document-request-reply", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, postmaster.ReasonDuplicate, decode(t, w)["reason"])
	assert.Len(t, comments.comments, 1)

	w = do(t, s, http.MethodPost, "/api/inbound/document-request-reply-reprocess?emailId=em_42&force=1&secret="+cronSecret, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "raw_source", out["resolvedBy"])
	assert.Equal(t, "exact", out["matchedBy"])
	assert.Len(t, comments.comments, 2)
}
