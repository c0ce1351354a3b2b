package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xeonx/timeago"

	"github.com/abcotronics/docreply/internal/email/inbound/postmaster"
	"github.com/abcotronics/docreply/internal/email/inbound/provider"
	"github.com/abcotronics/docreply/internal/webhooks"
)

const (
	defaultDebugLimit = 20
	maxDebugLimit     = 100
)

func readBody(c *gin.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
}

// verify rejects the request with 401 when a secret is configured and the
// signature does not check out.
func (s *Server) verify(c *gin.Context, v *webhooks.Verifier, body []byte, endpoint string) bool {
	if !v.Enabled() {
		return true
	}
	if err := v.Verify(body, c.Request.Header); err != nil {
		s.logf("%s: invalid webhook signature: %v", endpoint, err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid webhook signature"})
		return false
	}
	return true
}

// handleReplyWebhook handles POST /api/inbound/document-request-reply.
func (s *Server) handleReplyWebhook(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		methodNotAllowed(c)
		return
	}
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read request body"})
		return
	}
	if !s.verify(c, s.ReplyVerifier, body, "document-request-reply") {
		return
	}
	env, err := provider.DetectReplyEnvelope(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}
	if s.Replies == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Reply processing is not configured"})
		return
	}

	res, err := s.Replies.Process(c.Request.Context(), postmaster.Input{Envelope: env})
	if err != nil {
		s.logf("POST /api/inbound/document-request-reply error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process document request reply"})
		return
	}
	c.JSON(http.StatusOK, replyResponse(res))
}

func replyResponse(res postmaster.Result) gin.H {
	if !res.Processed {
		out := gin.H{"processed": false, "reason": res.Reason}
		if res.Reason == postmaster.ReasonUnknownThread {
			out["inReplyTo"] = res.InReplyTo
			out["hint"] = res.Hint
		}
		return out
	}
	out := gin.H{
		"processed":        true,
		"projectId":        res.ProjectID,
		"itemId":           res.ItemID,
		"year":             res.Year,
		"month":            res.Month,
		"attachmentsAdded": res.AttachmentsAdded,
		"commentCreated":   true,
	}
	if len(res.AttachmentsSkipped) > 0 {
		out["attachmentsSkipped"] = res.AttachmentsSkipped
	}
	return out
}

// handleDeliveryStatus handles POST /api/inbound/email-delivery-status.
func (s *Server) handleDeliveryStatus(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		methodNotAllowed(c)
		return
	}
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read request body"})
		return
	}
	if !s.verify(c, s.DeliveryVerifier, body, "email-delivery-status") {
		return
	}
	batch, err := provider.DetectDeliveryBatch(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}
	if s.Delivery == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Delivery tracking is not configured"})
		return
	}

	res, err := s.Delivery.ApplyBatch(c.Request.Context(), batch)
	if err != nil {
		s.logf("POST /api/inbound/email-delivery-status error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process delivery status"})
		return
	}
	switch {
	case batch.Batch:
		c.JSON(http.StatusOK, gin.H{"processed": true, "updated": res.Updated})
	case !res.Processed:
		c.JSON(http.StatusOK, gin.H{"processed": false, "reason": res.Reason, "eventType": res.EventType})
	default:
		c.JSON(http.StatusOK, gin.H{"processed": true, "updated": res.Updated, "status": res.Status})
	}
}

type reprocessRequest struct {
	EmailID string `json:"emailId"`
	Force   bool   `json:"force"`
}

// handleReprocess replays a received email through the reply pipeline. The
// email id comes from the emailId query parameter or a JSON body.
func (s *Server) handleReprocess(c *gin.Context) {
	var req reprocessRequest
	if c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
		body, err := readBody(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read request body"})
			return
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
				return
			}
		}
	}
	if id := strings.TrimSpace(c.Query("emailId")); id != "" {
		req.EmailID = id
	}
	if raw := c.Query("force"); raw != "" {
		force, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "force must be a boolean"})
			return
		}
		req.Force = force
	}
	req.EmailID = strings.TrimSpace(req.EmailID)
	if req.EmailID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "emailId is required"})
		return
	}
	if s.Replies == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Reply processing is not configured"})
		return
	}

	env := provider.ReplyEnvelope{Kind: provider.EnvelopeEmailReceived, Type: "email.received", EmailID: req.EmailID}
	res, err := s.Replies.Process(c.Request.Context(), postmaster.Input{Envelope: env, Force: req.Force})
	if err != nil {
		s.logf("reprocess %s error: %v", req.EmailID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reprocess reply", "emailId": req.EmailID})
		return
	}
	out := replyResponse(res)
	out["emailId"] = req.EmailID
	out["forced"] = req.Force
	if res.ResolvedBy != "" {
		out["resolvedBy"] = res.ResolvedBy
	}
	if res.MatchedBy != "" {
		out["matchedBy"] = res.MatchedBy
	}
	c.JSON(http.StatusOK, out)
}

type debugComment struct {
	ID            int64   `json:"id"`
	ItemID        string  `json:"itemId"`
	Year          int     `json:"year"`
	Month         int     `json:"month"`
	Author        string  `json:"author"`
	Preview       string  `json:"preview"`
	Attachments   int     `json:"attachments"`
	SourceEmailID *string `json:"sourceEmailId,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	Age           string  `json:"age"`
}

type debugOutbound struct {
	MessageID  string `json:"messageId"`
	ProjectID  string `json:"projectId"`
	DocumentID string `json:"documentId"`
	Year       int    `json:"year"`
	Month      int    `json:"month"`
	CreatedAt  string `json:"createdAt"`
	Age        string `json:"age"`
}

// handleDebug dumps recent outbound records, recent comments and pipeline
// counters for manual correlation.
func (s *Server) handleDebug(c *gin.Context) {
	limit := defaultDebugLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxDebugLimit)
	}
	ctx := c.Request.Context()
	now := s.now()
	out := gin.H{"generatedAt": now.UTC()}
	var errs []error

	sent := []debugOutbound{}
	if s.Outbound != nil {
		records, err := s.Outbound.ListRecent(ctx, limit)
		if err != nil {
			errs = append(errs, err)
		}
		for _, r := range records {
			sent = append(sent, debugOutbound{
				MessageID:  r.MessageID,
				ProjectID:  r.ProjectID,
				DocumentID: r.DocumentID,
				Year:       r.Year,
				Month:      r.Month,
				CreatedAt:  r.CreatedAt.UTC().Format(timeLayout),
				Age:        timeago.English.FormatReference(r.CreatedAt, now),
			})
		}
	}
	out["recentSent"] = sent

	comments := []debugComment{}
	if s.Comments != nil {
		list, err := s.Comments.ListRecent(ctx, limit)
		if err != nil {
			errs = append(errs, err)
		}
		for _, cm := range list {
			comments = append(comments, debugComment{
				ID:            cm.ID,
				ItemID:        cm.ItemID,
				Year:          cm.Year,
				Month:         cm.Month,
				Author:        cm.Author,
				Preview:       preview(cm.Text, 200),
				Attachments:   len(cm.Attachments),
				SourceEmailID: cm.SourceEmailID,
				CreatedAt:     cm.CreatedAt.UTC().Format(timeLayout),
				Age:           timeago.English.FormatReference(cm.CreatedAt, now),
			})
		}
	}
	out["recentComments"] = comments

	snap := s.Stats.Snapshot()
	stats := gin.H{
		"received":          snap.Received,
		"processed":         snap.Processed,
		"skipped":           snap.Skipped,
		"attachmentsSaved":  snap.AttachmentsSaved,
		"attachmentsFailed": snap.AttachmentsFailed,
		"lastEmailId":       snap.LastEmailID,
		"lastReason":        snap.LastReason,
	}
	if snap.LastEventAt != nil {
		stats["lastEventAt"] = snap.LastEventAt.UTC().Format(timeLayout)
		stats["lastEventAge"] = timeago.English.FormatReference(*snap.LastEventAt, now)
	}
	out["stats"] = stats

	if s.Jobs != nil {
		out["jobs"] = s.Jobs.Jobs()
	}
	if err := errors.Join(errs...); err != nil {
		s.logf("document-request-reply-debug: %v", err)
		out["error"] = "Some records could not be loaded"
	}
	c.JSON(http.StatusOK, out)
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
