package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcotronics/docreply/internal/auth"
	"github.com/abcotronics/docreply/internal/delivery"
	"github.com/abcotronics/docreply/internal/email/inbound/attachments"
	"github.com/abcotronics/docreply/internal/email/inbound/postmaster"
	"github.com/abcotronics/docreply/internal/email/inbound/provider"
	"github.com/abcotronics/docreply/internal/email/outbound"
	"github.com/abcotronics/docreply/internal/middleware"
	"github.com/abcotronics/docreply/internal/models"
	"github.com/abcotronics/docreply/internal/webhooks"
)

const (
	testSecret   = "whsec_dGVzdC1zZWNyZXQ="
	cronSecret   = "cron-123"
	testJWTToken = "jwt-secret"
)

var fixedNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeReplies struct {
	inputs []postmaster.Input
	result postmaster.Result
	err    error
}

func (f *fakeReplies) Process(_ context.Context, in postmaster.Input) (postmaster.Result, error) {
	f.inputs = append(f.inputs, in)
	return f.result, f.err
}

type fakeDelivery struct {
	batches []provider.DeliveryBatch
	result  delivery.Result
	err     error
}

func (f *fakeDelivery) ApplyBatch(_ context.Context, b provider.DeliveryBatch) (delivery.Result, error) {
	f.batches = append(f.batches, b)
	return f.result, f.err
}

type fakeSender struct {
	req    outbound.Request
	by     outbound.Sender
	result outbound.Result
	err    error
}

func (f *fakeSender) Send(_ context.Context, req outbound.Request, by outbound.Sender) (outbound.Result, error) {
	f.req, f.by = req, by
	return f.result, f.err
}

type fakeComments struct {
	byItem []models.ItemComment
	recent []models.ItemComment
	err    error
	asked  []any
}

func (f *fakeComments) ListByItem(_ context.Context, itemID string, year, month int) ([]models.ItemComment, error) {
	f.asked = append(f.asked, itemID, year, month)
	return f.byItem, f.err
}

func (f *fakeComments) ListRecent(_ context.Context, _ int) ([]models.ItemComment, error) {
	return f.recent, f.err
}

type fakeOutbound struct{ records []models.OutboundMessageRecord }

func (f *fakeOutbound) ListRecent(_ context.Context, _ int) ([]models.OutboundMessageRecord, error) {
	return f.records, nil
}

func newTestServer() *Server {
	return &Server{
		Replies:          &fakeReplies{},
		Delivery:         &fakeDelivery{},
		Sender:           &fakeSender{},
		Comments:         &fakeComments{},
		Outbound:         &fakeOutbound{},
		Stats:            postmaster.NewStats(nil),
		ReplyVerifier:    webhooks.NewVerifier("", 0),
		DeliveryVerifier: webhooks.NewVerifier("", 0),
		Auth:             middleware.NewAuthMiddleware(auth.NewJWTManager(testJWTToken, "docreply", time.Hour)),
		OperatorSecrets:  []string{cronSecret},
		Logger:           log.New(io.Discard, "", 0),
		Now:              func() time.Time { return fixedNow },
	}
}

func do(t *testing.T, s *Server, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	NewRouter(s).ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func signed(t *testing.T, body []byte, at time.Time) http.Header {
	t.Helper()
	sig, err := webhooks.Sign(testSecret, "msg_1", at, body)
	require.NoError(t, err)
	h := http.Header{}
	h.Set("svix-id", "msg_1")
	h.Set("svix-timestamp", strconv.FormatInt(at.Unix(), 10))
	h.Set("svix-signature", sig)
	return h
}

const receivedBody = `{"type":"email.received","data":{"email_id":"em_1"}}`

func TestReplyWebhookMethodNotAllowed(t *testing.T) {
	w := do(t, newTestServer(), http.MethodGet, "/api/inbound/document-request-reply", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "POST", w.Header().Get("Allow"))
}

func TestReplyWebhookProcessed(t *testing.T) {
	s := newTestServer()
	replies := s.Replies.(*fakeReplies)
	replies.result = postmaster.Result{
		Processed: true, ProjectID: "p1", ItemID: "d1", Year: 2025, Month: 3, AttachmentsAdded: 2,
	}

	w := do(t, s, http.MethodPost, "/api/inbound/document-request-reply", []byte(receivedBody), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"processed":true,"projectId":"p1","itemId":"d1","year":2025,"month":3,"attachmentsAdded":2,"commentCreated":true}`, w.Body.String())

	require.Len(t, replies.inputs, 1)
	assert.Equal(t, "em_1", replies.inputs[0].Envelope.EmailID)
	assert.Equal(t, provider.EnvelopeEmailReceived, replies.inputs[0].Envelope.Kind)
	assert.False(t, replies.inputs[0].Force)
}

func TestReplyWebhookUnknownThread(t *testing.T) {
	s := newTestServer()
	s.Replies.(*fakeReplies).result = postmaster.Result{Reason: postmaster.ReasonUnknownThread, InReplyTo: "abc@x", Hint: "send a new one"}

	w := do(t, s, http.MethodPost, "/api/inbound/document-request-reply", []byte(receivedBody), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"processed":false,"reason":"unknown_thread","inReplyTo":"abc@x","hint":"send a new one"}`, w.Body.String())
}

func TestReplyWebhookErrors(t *testing.T) {
	t.Run("invalid json", func(t *testing.T) {
		w := do(t, newTestServer(), http.MethodPost, "/api/inbound/document-request-reply", []byte("{nope"), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Invalid JSON body", decode(t, w)["error"])
	})

	t.Run("processing failure", func(t *testing.T) {
		s := newTestServer()
		s.Replies.(*fakeReplies).err = errors.New("db down")
		w := do(t, s, http.MethodPost, "/api/inbound/document-request-reply", []byte(receivedBody), nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "db down")
	})
}

func TestReplyWebhookSignature(t *testing.T) {
	s := newTestServer()
	s.ReplyVerifier = webhooks.NewVerifier(testSecret, 5*time.Minute)
	s.Replies.(*fakeReplies).result = postmaster.Result{Reason: postmaster.ReasonNotEmailReceived}
	body := []byte(receivedBody)

	w := do(t, s, http.MethodPost, "/api/inbound/document-request-reply", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid webhook signature", decode(t, w)["error"])

	w = do(t, s, http.MethodPost, "/api/inbound/document-request-reply", body, signed(t, body, time.Now()))
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/api/inbound/document-request-reply", body, signed(t, body, time.Now().Add(-time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "stale timestamp")

	assert.Len(t, s.Replies.(*fakeReplies).inputs, 1)
}

func TestDeliveryStatus(t *testing.T) {
	t.Run("sendgrid batch", func(t *testing.T) {
		s := newTestServer()
		d := s.Delivery.(*fakeDelivery)
		d.result = delivery.Result{Processed: true, Updated: 3}
		w := do(t, s, http.MethodPost, "/api/inbound/email-delivery-status",
			[]byte(`[{"event":"delivered","sg_message_id":"a"},{"event":"bounce","sg_message_id":"b"}]`), nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"processed":true,"updated":3}`, w.Body.String())
		require.Len(t, d.batches, 1)
		assert.True(t, d.batches[0].Batch)
	})

	t.Run("single event", func(t *testing.T) {
		s := newTestServer()
		s.Delivery.(*fakeDelivery).result = delivery.Result{Processed: true, Updated: 1, Status: models.DeliveryDelivered, EventType: "email.delivered"}
		w := do(t, s, http.MethodPost, "/api/inbound/email-delivery-status",
			[]byte(`{"type":"email.delivered","data":{"email_id":"docreq-1@x"}}`), nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"processed":true,"updated":1,"status":"delivered"}`, w.Body.String())
	})

	t.Run("missing id", func(t *testing.T) {
		s := newTestServer()
		s.Delivery.(*fakeDelivery).result = delivery.Result{Reason: delivery.ReasonMissingIDOrStatus, EventType: "email.opened"}
		w := do(t, s, http.MethodPost, "/api/inbound/email-delivery-status", []byte(`{"type":"email.opened","data":{}}`), nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"processed":false,"reason":"missing_message_id_or_status","eventType":"email.opened"}`, w.Body.String())
	})

	t.Run("method and json", func(t *testing.T) {
		s := newTestServer()
		assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodPut, "/api/inbound/email-delivery-status", nil, nil).Code)
		assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/inbound/email-delivery-status", []byte("nope"), nil).Code)
	})

	t.Run("signature", func(t *testing.T) {
		s := newTestServer()
		s.DeliveryVerifier = webhooks.NewVerifier(testSecret, 24*time.Hour)
		body := []byte(`{"type":"email.sent","data":{"email_id":"x"}}`)
		assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodPost, "/api/inbound/email-delivery-status", body, nil).Code)
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/inbound/email-delivery-status", body, signed(t, body, time.Now().Add(-2*time.Hour))).Code)
	})
}

func TestReprocess(t *testing.T) {
	s := newTestServer()
	replies := s.Replies.(*fakeReplies)
	replies.result = postmaster.Result{Processed: true, ProjectID: "p1", ItemID: "d1", Year: 2025, Month: 3, ResolvedBy: "raw_source", MatchedBy: "exact"}

	w := do(t, s, http.MethodGet, "/api/inbound/document-request-reply-reprocess?emailId=em_9", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodGet, "/api/inbound/document-request-reply-reprocess?emailId=em_9&force=true&secret="+cronSecret, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "em_9", out["emailId"])
	assert.Equal(t, true, out["forced"])
	assert.Equal(t, "raw_source", out["resolvedBy"])
	require.Len(t, replies.inputs, 1)
	assert.True(t, replies.inputs[0].Force)
	assert.Equal(t, "em_9", replies.inputs[0].Envelope.EmailID)

	h := http.Header{}
	h.Set("x-cron-secret", cronSecret)
	w = do(t, s, http.MethodPost, "/api/inbound/document-request-reply-reprocess", []byte(`{"emailId":"em_10"}`), h)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, replies.inputs, 2)
	assert.Equal(t, "em_10", replies.inputs[1].Envelope.EmailID)
	assert.False(t, replies.inputs[1].Force)

	w = do(t, s, http.MethodPost, "/api/inbound/document-request-reply-reprocess", nil, h)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/inbound/document-request-reply-reprocess?emailId=x&force=maybe", nil, h)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOperatorEndpointsClosedWithoutSecret(t *testing.T) {
	s := newTestServer()
	s.OperatorSecrets = nil
	w := do(t, s, http.MethodGet, "/api/inbound/document-request-reply-debug?secret=", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDebug(t *testing.T) {
	s := newTestServer()
	src := "em_1"
	s.Comments.(*fakeComments).recent = []models.ItemComment{{
		ID: 7, ItemID: "d1", Year: 2025, Month: 3, Author: models.AuthorEmailFromClient,
		Text: "Email from Client (a@b)\n\nhi", SourceEmailID: &src,
		Attachments: models.CommentAttachments{{Name: "a.pdf", URL: "/uploads/x/a.pdf"}},
		CreatedAt:   fixedNow.Add(-2 * time.Hour),
	}}
	s.Outbound.(*fakeOutbound).records = []models.OutboundMessageRecord{{
		MessageID: "docreq-1@x", ProjectID: "p1", DocumentID: "d1", Year: 2025, Month: 3, CreatedAt: fixedNow.Add(-72 * time.Hour),
	}}
	s.Stats.Received("em_1")
	s.Stats.Skipped("em_1", postmaster.ReasonUnknownThread)

	w := do(t, s, http.MethodGet, "/api/inbound/document-request-reply-debug?secret="+cronSecret, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)

	comments := out["recentComments"].([]any)
	require.Len(t, comments, 1)
	c := comments[0].(map[string]any)
	assert.Contains(t, c["age"], "hours ago")
	assert.EqualValues(t, 1, c["attachments"])
	assert.Equal(t, "em_1", c["sourceEmailId"])

	sent := out["recentSent"].([]any)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].(map[string]any)["age"], "days ago")

	stats := out["stats"].(map[string]any)
	assert.EqualValues(t, 1, stats["received"])
	assert.Equal(t, "unknown_thread", stats["lastReason"])

	w = do(t, s, http.MethodGet, "/api/inbound/document-request-reply-debug?limit=0&secret="+cronSecret, nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func bearer(t *testing.T) http.Header {
	t.Helper()
	token, err := auth.NewJWTManager(testJWTToken, "docreply", time.Hour).GenerateToken(auth.User{ID: "u1", Email: "ada@abcotronics.example", Name: "Ada"})
	require.NoError(t, err)
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

func TestSendEmail(t *testing.T) {
	s := newTestServer()
	sender := s.Sender.(*fakeSender)
	sender.result = outbound.Result{Sent: []string{"client@c.example"}, Failed: []outbound.Failure{}, ActivityPersisted: true, LogID: 4, MessageID: "docreq-1@x"}

	body := []byte(`{"to":"client@c.example","subject":"Docs","text":"please","documentId":"d1","month":"3","sectionId":12}`)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodPost, "/api/projects/p1/document-collection-send-email", body, nil).Code)

	h := bearer(t)
	h.Set("X-Year", "2025")
	w := do(t, s, http.MethodPost, "/api/projects/p1/document-collection-send-email?month=9", body, h)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"sent":["client@c.example"],"failed":[],"activityPersisted":true,"logId":4,"messageId":"docreq-1@x"}`, w.Body.String())

	assert.Equal(t, "p1", sender.req.ProjectID)
	assert.Equal(t, []string{"client@c.example"}, sender.req.To)
	assert.Equal(t, "d1", sender.req.DocumentID)
	assert.Equal(t, 3, sender.req.Month, "body wins over query")
	assert.Equal(t, 2025, sender.req.Year, "header fallback")
	require.NotNil(t, sender.req.SectionID)
	assert.Equal(t, "12", *sender.req.SectionID)
	assert.Equal(t, outbound.Sender{Name: "Ada", Email: "ada@abcotronics.example"}, sender.by)

	sender.err = &outbound.ValidationError{Msg: "Subject is required"}
	w = do(t, s, http.MethodPost, "/api/projects/p1/document-collection-send-email", body, h)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Subject is required", decode(t, w)["error"])

	sender.err = errors.New("no sender address configured")
	w = do(t, s, http.MethodPost, "/api/projects/p1/document-collection-send-email", body, h)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestListComments(t *testing.T) {
	s := newTestServer()
	comments := s.Comments.(*fakeComments)
	comments.byItem = []models.ItemComment{{ID: 1, ItemID: "d1", Year: 2025, Month: 3, Text: "hi", Author: models.AuthorEmailFromClient}}

	w := do(t, s, http.MethodGet, "/api/projects/p1/documents/d1/comments?year=2025&month=3", nil, bearer(t))
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.EqualValues(t, 1, out["total"])
	assert.Equal(t, []any{"d1", 2025, 3}, comments.asked)

	w = do(t, s, http.MethodGet, "/api/projects/p1/documents/d1/comments?year=2025&month=13", nil, bearer(t))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadsAndHealth(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, attachments.DefaultFolder), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, attachments.DefaultFolder, "a.txt"), []byte("hello"), 0o644))

	s := newTestServer()
	s.UploadsDir = dir
	w := do(t, s, http.MethodGet, "/uploads/"+attachments.DefaultFolder+"/a.txt", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())

	w = do(t, s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}

func TestAccessLogWritesToServerLogger(t *testing.T) {
	var buf bytes.Buffer
	s := newTestServer()
	s.Logger = log.New(&buf, "", 0)

	w := do(t, s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, buf.String(), "/health")
	assert.Contains(t, buf.String(), "200")
}

type downDB struct{}

func (downDB) PingContext(context.Context) error { return errors.New("dial tcp: connection refused") }

func TestDatabaseDown(t *testing.T) {
	s := newTestServer()
	s.DB = downDB{}

	w := do(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])

	w = do(t, s, http.MethodPost, "/api/inbound/document-request-reply", []byte(receivedBody), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, s.Replies.(*fakeReplies).inputs)
}
