package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/internal/offsets/anchoring"
	"carbon-scribe/agri-credit/internal/offsets/measurement"
	"carbon-scribe/agri-credit/internal/offsets/settlement"
	"carbon-scribe/agri-credit/internal/offsets/statements"
	"carbon-scribe/agri-credit/internal/offsets/store"
	"carbon-scribe/agri-credit/internal/offsets/verification"
	"carbon-scribe/agri-credit/pkg/ledger"
)

// PendingQueries serves the review queue from the read side
type PendingQueries interface {
	PendingVerifications(ctx context.Context, f verification.Filter) ([]store.PendingVerification, error)
}

// Services are the pipeline components exposed over HTTP.
// Queries and Evidence are optional.
type Services struct {
	Measurer      *measurement.Service
	Workflow      *verification.Workflow
	Anchoring     *anchoring.Service
	Settlement    *settlement.Service
	Queries       PendingQueries
	Evidence      *measurement.EvidenceStore
	Signer        ledger.Signer
	// TokenDecimals shifts minor units to token units on statements
	TokenDecimals int32
}

// Handler handles HTTP requests for the offsets pipeline
type Handler struct {
	svc    Services
	logger *zap.Logger
}

// NewHandler creates a new offsets handler
func NewHandler(svc Services, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes registers the pipeline routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	measurements := router.Group("/measurements")
	{
		measurements.POST("", h.submitMeasurement)
		measurements.POST("/calculate", h.calculateMeasurement)
		measurements.POST("/evidence", h.uploadEvidence)
	}

	verifications := router.Group("/verifications")
	{
		verifications.GET("/pending", h.pendingVerifications)
		verifications.POST("/assign", h.assignPending)
		verifications.POST("/:id/review", h.review)
		verifications.POST("/:id/escalate", h.escalate)
		verifications.POST("/:id/resubmission", h.requestResubmission)
		verifications.POST("/:id/resubmit", h.resubmit)
		verifications.POST("/:id/comments", h.comment)
	}

	router.POST("/reviewers", h.registerReviewer)

	results := router.Group("/results")
	{
		results.POST("/reconcile", h.reconcileAnchors)
		results.POST("/:id/anchor", h.anchor)
		results.GET("/:id/verify", h.verifyIntegrity)
	}
	router.GET("/ledger/notes/:txRef", h.ledgerNote)

	router.PUT("/users/:userId/wallet", h.registerWallet)
	router.GET("/users/:userId/rewards", h.rewards)
	router.GET("/users/:userId/statement", h.statement)

	settle := router.Group("/settlement")
	{
		settle.POST("/run", h.runSettlement)
		settle.POST("/mint", h.runMint)
		settle.POST("/reconcile", h.reconcileMints)
		settle.POST("/batches/:batchId/confirm", h.confirmMint)
	}
}

// =====================================================
// Measurement Endpoints
// =====================================================

// submitMeasurement handles POST /measurements
func (h *Handler) submitMeasurement(c *gin.Context) {
	var req MeasurementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	m, err := h.svc.Measurer.Measure(req.input())
	if err != nil {
		h.fail(c, "Failed to measure activity", err)
		return
	}

	res, err := h.svc.Workflow.Submit(c.Request.Context(), m, h.getUserID(c, m.UserID))
	if err != nil {
		h.fail(c, "Failed to submit measurement", err)
		return
	}

	c.JSON(http.StatusCreated, SubmissionResponse{
		Measurement: m,
		Request:     res.Request,
		Outcome:     res.Outcome,
		Reviewer:    res.Reviewer,
		Result:      res.Result,
		Issues:      res.Issues,
	})
}

// calculateMeasurement handles POST /measurements/calculate; nothing is stored
func (h *Handler) calculateMeasurement(c *gin.Context) {
	var req MeasurementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	m, err := h.svc.Measurer.Measure(req.input())
	if err != nil {
		h.fail(c, "Failed to measure activity", err)
		return
	}
	ok, issues := h.svc.Measurer.Validate(m)

	c.JSON(http.StatusOK, gin.H{
		"measurement": m,
		"valid":       ok,
		"issues":      issues,
	})
}

// uploadEvidence handles POST /measurements/evidence (multipart: file, type, user_id)
func (h *Handler) uploadEvidence(c *gin.Context) {
	if h.svc.Evidence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evidence storage is not configured"})
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		badRequest(c, err)
		return
	}
	userID := h.getUserID(c, c.PostForm("user_id"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	body, err := file.Open()
	if err != nil {
		badRequest(c, err)
		return
	}
	defer body.Close()

	ev, err := h.svc.Evidence.Put(c.Request.Context(), userID, offsets.EvidenceType(c.PostForm("type")), file.Filename, body, time.Now())
	if err != nil {
		h.fail(c, "Failed to store evidence", err)
		return
	}

	c.JSON(http.StatusCreated, ev)
}

// =====================================================
// Verification Endpoints
// =====================================================

// pendingVerifications handles GET /verifications/pending
func (h *Handler) pendingVerifications(c *gin.Context) {
	page := h.getIntParam(c, "page", 1)
	pageSize := h.getIntParam(c, "page_size", 50)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	f := verification.Filter{
		ReviewerID: c.Query("reviewer_id"),
		UserID:     c.Query("user_id"),
		Unassigned: c.Query("unassigned") == "true",
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
	}
	if statuses := c.Query("status"); statuses != "" {
		for _, s := range strings.Split(statuses, ",") {
			f.Statuses = append(f.Statuses, offsets.RequestStatus(strings.TrimSpace(s)))
		}
	}
	if p := c.Query("priority"); p != "" {
		priority, err := parsePriority(p)
		if err != nil {
			badRequest(c, err)
			return
		}
		f.Priority = &priority
	}

	var (
		items any
		err   error
	)
	if h.svc.Queries != nil {
		items, err = h.svc.Queries.PendingVerifications(c.Request.Context(), f)
	} else {
		items, err = h.svc.Workflow.PendingVerifications(c.Request.Context(), f)
	}
	if err != nil {
		h.fail(c, "Failed to list pending verifications", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items":     items,
		"page":      page,
		"page_size": pageSize,
	})
}

func parsePriority(s string) (offsets.Priority, error) {
	switch strings.ToLower(s) {
	case "normal":
		return offsets.PriorityNormal, nil
	case "high":
		return offsets.PriorityHigh, nil
	case "urgent":
		return offsets.PriorityUrgent, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// assignPending handles POST /verifications/assign
func (h *Handler) assignPending(c *gin.Context) {
	placed, err := h.svc.Workflow.AssignPending(c.Request.Context(), h.getIntParam(c, "limit", 100))
	if err != nil {
		h.fail(c, "Failed to assign pending verifications", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"placed": placed})
}

// review handles POST /verifications/:id/review
func (h *Handler) review(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.svc.Workflow.Review(c.Request.Context(), verification.ReviewInput{
		RequestID:   c.Param("id"),
		ReviewerID:  req.ReviewerID,
		Approve:     req.Approve,
		Comments:    req.Comments,
		Adjustments: req.Adjustments,
	})
	if err != nil {
		h.fail(c, "Failed to review verification", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// escalate handles POST /verifications/:id/escalate
func (h *Handler) escalate(c *gin.Context) {
	var req EscalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.svc.Workflow.Escalate(c.Request.Context(), c.Param("id"), req.Reason, req.Actor)
	if err != nil {
		h.fail(c, "Failed to escalate verification", err)
		return
	}

	c.JSON(http.StatusOK, SubmissionResponse{Request: res.Request, Outcome: res.Outcome, Reviewer: res.Reviewer})
}

// requestResubmission handles POST /verifications/:id/resubmission
func (h *Handler) requestResubmission(c *gin.Context) {
	var req ResubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.svc.Workflow.RequestResubmission(c.Request.Context(), c.Param("id"), req.ReviewerID, req.Feedback); err != nil {
		h.fail(c, "Failed to request resubmission", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": offsets.RequestResubmissionRequired})
}

// resubmit handles POST /verifications/:id/resubmit
func (h *Handler) resubmit(c *gin.Context) {
	var req MeasurementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.svc.Workflow.Resubmit(c.Request.Context(), c.Param("id"), req.input())
	if err != nil {
		h.fail(c, "Failed to resubmit measurement", err)
		return
	}

	c.JSON(http.StatusOK, SubmissionResponse{
		Request:  res.Request,
		Outcome:  res.Outcome,
		Reviewer: res.Reviewer,
		Result:   res.Result,
		Issues:   res.Issues,
	})
}

// comment handles POST /verifications/:id/comments
func (h *Handler) comment(c *gin.Context) {
	var req CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.svc.Workflow.Comment(c.Request.Context(), c.Param("id"), req.Author, req.Text); err != nil {
		h.fail(c, "Failed to add comment", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "added"})
}

// registerReviewer handles POST /reviewers
func (h *Handler) registerReviewer(c *gin.Context) {
	var req ReviewerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	reviewer := &offsets.Reviewer{
		ID:       req.ID,
		Name:     req.Name,
		Role:     req.Role,
		Active:   req.Active == nil || *req.Active,
		Capacity: req.Capacity,
	}
	if err := h.svc.Workflow.RegisterReviewer(c.Request.Context(), reviewer); err != nil {
		h.fail(c, "Failed to register reviewer", err)
		return
	}

	c.JSON(http.StatusCreated, reviewer)
}

// =====================================================
// Anchoring Endpoints
// =====================================================

// anchor handles POST /results/:id/anchor
func (h *Handler) anchor(c *gin.Context) {
	receipt, err := h.svc.Anchoring.Anchor(c.Request.Context(), c.Param("id"), h.svc.Signer)
	if err != nil {
		h.fail(c, "Failed to anchor result", err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// verifyIntegrity handles GET /results/:id/verify
func (h *Handler) verifyIntegrity(c *gin.Context) {
	payload, err := h.svc.Anchoring.VerifyIntegrity(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Result failed integrity verification", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "ledger_payload": payload})
}

// reconcileAnchors handles POST /results/reconcile
func (h *Handler) reconcileAnchors(c *gin.Context) {
	n, err := h.svc.Anchoring.Reconcile(c.Request.Context(), h.svc.Signer, h.getIntParam(c, "limit", 100))
	if err != nil {
		h.fail(c, "Anchor reconciliation finished with failures", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"anchored": n})
}

// ledgerNote handles GET /ledger/notes/:txRef
func (h *Handler) ledgerNote(c *gin.Context) {
	payload, err := h.svc.Anchoring.Retrieve(c.Request.Context(), c.Param("txRef"))
	if err != nil {
		h.fail(c, "Failed to read ledger note", err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

// =====================================================
// Settlement Endpoints
// =====================================================

// registerWallet handles PUT /users/:userId/wallet
func (h *Handler) registerWallet(c *gin.Context) {
	var req WalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.svc.Settlement.RegisterWallet(c.Request.Context(), c.Param("userId"), req.Address); err != nil {
		h.fail(c, "Failed to register wallet", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("userId"), "address": req.Address})
}

// rewards handles GET /users/:userId/rewards
func (h *Handler) rewards(c *gin.Context) {
	rewards, err := h.svc.Settlement.Rewards(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, "Failed to list rewards", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewards": rewards})
}

// statement handles GET /users/:userId/statement?format=csv|xlsx|pdf
func (h *Handler) statement(c *gin.Context) {
	format, err := statements.ParseFormat(c.Query("format"))
	if err != nil {
		badRequest(c, err)
		return
	}

	userID := c.Param("userId")
	rewards, err := h.svc.Settlement.Rewards(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "Failed to list rewards", err)
		return
	}

	var buf bytes.Buffer
	if err := statements.Render(&buf, statements.Build(userID, rewards, h.svc.TokenDecimals, time.Now()), format); err != nil {
		h.fail(c, "Failed to render statement", err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="statement-%s.%s"`, userID, format))
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}

// runSettlement handles POST /settlement/run
func (h *Handler) runSettlement(c *gin.Context) {
	report, err := h.svc.Settlement.RunSettlement(c.Request.Context())
	if err != nil {
		h.fail(c, "Settlement pass failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// runMint handles POST /settlement/mint
func (h *Handler) runMint(c *gin.Context) {
	report, err := h.svc.Settlement.RunMint(c.Request.Context())
	if err != nil {
		h.logger.Error("Mint pass finished with failures", zap.Error(err))
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

// reconcileMints handles POST /settlement/reconcile
func (h *Handler) reconcileMints(c *gin.Context) {
	report, err := h.svc.Settlement.ReconcileMints(c.Request.Context())
	if err != nil {
		h.logger.Error("Mint reconciliation finished with failures", zap.Error(err))
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

// confirmMint handles POST /settlement/batches/:batchId/confirm
func (h *Handler) confirmMint(c *gin.Context) {
	var req ConfirmMintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.svc.Settlement.ConfirmMint(c.Request.Context(), req.UserID, c.Param("batchId"), req.TxRef); err != nil {
		h.fail(c, "Failed to confirm mint", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": offsets.RewardPaid})
}

// =====================================================
// Helper Methods
// =====================================================

// getUserID returns the caller from the X-User-ID header, falling back to the given id
func (h *Handler) getUserID(c *gin.Context, fallback string) string {
	if userID := c.GetHeader("X-User-ID"); userID != "" {
		return userID
	}
	return fallback
}

// getIntParam gets an integer query parameter with a default value
func (h *Handler) getIntParam(c *gin.Context, key string, defaultVal int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
