package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/abcotronics/docreply/internal/email/outbound"
	"github.com/abcotronics/docreply/internal/middleware"
	"github.com/abcotronics/docreply/internal/models"
)

type sendEmailRequest struct {
	ProjectID      string       `json:"projectId"`
	To             stringOrList `json:"to"`
	CC             stringOrList `json:"cc"`
	Subject        string       `json:"subject"`
	HTML           string       `json:"html"`
	Text           string       `json:"text"`
	SectionID      *flexString  `json:"sectionId"`
	DocumentID     *flexString  `json:"documentId"`
	Year           *flexInt     `json:"year"`
	Month          *flexInt     `json:"month"`
	RequesterEmail string       `json:"requesterEmail"`
}

// handleSendEmail handles POST /api/projects/:id/document-collection-send-email.
// Cell keys are read from the body, then the query string, then the
// X-Document-Id, X-Year and X-Month headers.
func (s *Server) handleSendEmail(c *gin.Context) {
	if s.Sender == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Email sending is not configured"})
		return
	}
	var body sendEmailRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
			return
		}
	}

	req := outbound.Request{
		ProjectID:      strings.TrimSpace(c.Param("id")),
		To:             body.To,
		CC:             body.CC,
		Subject:        body.Subject,
		HTML:           body.HTML,
		Text:           body.Text,
		RequesterEmail: strings.TrimSpace(body.RequesterEmail),
	}
	if req.ProjectID == "" {
		req.ProjectID = strings.TrimSpace(body.ProjectID)
	}
	if body.SectionID != nil && string(*body.SectionID) != "" {
		section := string(*body.SectionID)
		req.SectionID = &section
	}
	req.DocumentID = firstNonEmpty(flexValue(body.DocumentID), c.Query("documentId"), c.GetHeader("X-Document-Id"))
	req.Year = firstInt(body.Year, c.Query("year"), c.GetHeader("X-Year"))
	req.Month = firstInt(body.Month, c.Query("month"), c.GetHeader("X-Month"))

	user, _ := middleware.CurrentUser(c)
	res, err := s.Sender.Send(c.Request.Context(), req, outbound.Sender{Name: user.Name, Email: user.Email})
	if err != nil {
		if outbound.IsValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logf("POST /api/projects/%s/document-collection-send-email error: %v", req.ProjectID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send document request emails"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleListComments handles GET /api/projects/:id/documents/:documentId/comments.
func (s *Server) handleListComments(c *gin.Context) {
	if s.Comments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Comments are not available"})
		return
	}
	year, yerr := strconv.Atoi(c.Query("year"))
	month, merr := strconv.Atoi(c.Query("month"))
	cell := models.CellKey{ProjectID: c.Param("id"), DocumentID: c.Param("documentId"), Year: year, Month: month}
	if yerr != nil || merr != nil || !cell.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "year and month are required"})
		return
	}

	comments, err := s.Comments.ListByItem(c.Request.Context(), cell.DocumentID, cell.Year, cell.Month)
	if err != nil {
		s.logf("list comments %s %d-%02d: %v", cell.DocumentID, cell.Year, cell.Month, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load comments"})
		return
	}
	if comments == nil {
		comments = []models.ItemComment{}
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments, "total": len(comments)})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstInt(body *flexInt, fallbacks ...string) int {
	if body != nil && *body != 0 {
		return int(*body)
	}
	for _, raw := range fallbacks {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			return n
		}
	}
	return 0
}

func flexValue(v *flexString) string {
	if v == nil {
		return ""
	}
	return string(*v)
}
