package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"bitbucket.org/mandalayfab/factory_backend/config"
	"bitbucket.org/mandalayfab/factory_backend/models"
	"bitbucket.org/mandalayfab/factory_backend/utils"
)

func respondDomainError(c *gin.Context, err error) {
	var (
		insufficient *models.InsufficientQuantityError
		graphErr     *models.GraphIntegrityError
		drift        *models.ReconciliationDriftError
		validation   validator.ValidationErrors
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"validation_errors": utils.ProcessValidationErrors(err)})
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusConflict, gin.H{
			"error":     insufficient.Error(),
			"bucket":    insufficient.Bucket.String(),
			"available": insufficient.Available,
			"requested": insufficient.Requested,
		})
	case errors.Is(err, models.ErrInsufficientQuantity),
		errors.Is(err, models.ErrBatchRetired),
		errors.Is(err, models.ErrRoutingTerminal),
		errors.Is(err, models.ErrLedgerImmutable),
		errors.Is(err, models.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &graphErr):
		c.JSON(http.StatusConflict, gin.H{"error": graphErr.Error()})
	case errors.As(err, &drift):
		c.JSON(http.StatusConflict, gin.H{"error": drift.Error()})
	case errors.Is(err, models.ErrNonPositiveQuantity),
		errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrProcessRequired),
		errors.Is(err, models.ErrProcessForbidden),
		errors.Is(err, models.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger := config.GetLogger()
		config.LogError(logger, "handlers.go", "respondDomainError", c.FullPath(), nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func createItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var item models.Item
		if err := c.ShouldBindJSON(&item); err != nil {
			respondDomainError(c, err)
			return
		}
		if err := models.CreateItem(c.Request.Context(), &item); err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusCreated, item)
	}
}

func listItemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := utils.FetchAllModels[models.Item](c.Request.Context())
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, items)
	}
}

func getItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		item, err := utils.FetchModel[models.Item](c.Request.Context(), id)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func createBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "createBatch")
		defer span.End()

		var input models.NewBatch
		if err := c.ShouldBindJSON(&input); err != nil {
			respondDomainError(c, err)
			return
		}
		batch, err := models.CreateBatch(ctx, &input)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusCreated, batch)
	}
}

func listBatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		itemId, _ := strconv.Atoi(c.Query("item_id"))
		batches, err := models.ListActiveBatches(c.Request.Context(), itemId)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, batches)
	}
}

func getBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		batch, err := models.GetBatch(c.Request.Context(), id)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

// moveQuantityRequest is the wire shape of a move; bucket refs come in as
// state + optional process.
type moveQuantityRequest struct {
	Quantity     decimal.Decimal `json:"quantity" binding:"required"`
	FromState    *string         `json:"from_state"`
	FromProcess  *string         `json:"from_process"`
	ToState      *string         `json:"to_state"`
	ToProcess    *string         `json:"to_process"`
	MovementType string          `json:"movement_type" binding:"required"`
	RefType      string          `json:"ref_type" binding:"required"`
	RefId        *int            `json:"ref_id"`
	RefNumber    *string         `json:"ref_number"`
	VendorName   *string         `json:"vendor_name"`
	Notes        *string         `json:"notes"`
}

func (req *moveQuantityRequest) toInput() (*models.MoveQuantityInput, error) {
	input := models.MoveQuantityInput{
		Quantity:     req.Quantity,
		MovementType: models.MovementType(req.MovementType),
		RefType:      models.MovementReferenceType(req.RefType),
		RefId:        req.RefId,
		RefNumber:    req.RefNumber,
		VendorName:   req.VendorName,
		Notes:        req.Notes,
	}
	if req.FromState != nil {
		state, err := models.ParseBatchState(*req.FromState)
		if err != nil {
			return nil, err
		}
		ref := models.BucketRef{State: state}
		if req.FromProcess != nil {
			ref.Process = *req.FromProcess
		}
		input.From = &ref
	}
	if req.ToState != nil {
		state, err := models.ParseBatchState(*req.ToState)
		if err != nil {
			return nil, err
		}
		ref := models.BucketRef{State: state}
		if req.ToProcess != nil {
			ref.Process = *req.ToProcess
		}
		input.To = &ref
	}
	return &input, nil
}

func moveQuantityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "moveQuantity")
		defer span.End()

		id, ok := pathId(c)
		if !ok {
			return
		}
		var req moveQuantityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondDomainError(c, err)
			return
		}
		input, err := req.toInput()
		if err != nil {
			respondDomainError(c, err)
			return
		}
		movement, err := models.MoveQuantity(ctx, id, input)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, movement)
	}
}

type inspectionRequest struct {
	Quantity decimal.Decimal `json:"quantity" binding:"required"`
	Notes    *string         `json:"notes"`
}

func passInspectionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req inspectionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondDomainError(c, err)
			return
		}
		movement, err := models.PassInspection(c.Request.Context(), id, req.Quantity, req.Notes)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, movement)
	}
}

func failInspectionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req inspectionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondDomainError(c, err)
			return
		}
		movement, err := models.FailInspection(c.Request.Context(), id, req.Quantity, req.Notes)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, movement)
	}
}

func getLedgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		movements, err := models.GetBatchHistory(c.Request.Context(), id)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, movements)
	}
}

func reconcileBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		drift, err := models.ReconcileBatch(c.Request.Context(), id)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		if drift != nil {
			c.JSON(http.StatusConflict, gin.H{"consistent": false, "error": drift.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"consistent": true})
	}
}

func getConsumptionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		report, err := models.GetConsumptionReport(c.Request.Context(), id)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		if report == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no consumption recorded for batch"})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func rebuildConsumptionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		report, err := models.RebuildConsumptionReport(c.Request.Context(), id)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func addTraceEdgeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var edge models.BatchTraceability
		if err := c.ShouldBindJSON(&edge); err != nil {
			respondDomainError(c, err)
			return
		}
		if err := models.AddTraceabilityEdge(c.Request.Context(), &edge); err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusCreated, edge)
	}
}

func upstreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		edges, err := models.UpstreamEdges(c.Request.Context(), id)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, edges)
	}
}

func downstreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		edges, err := models.DownstreamEdges(c.Request.Context(), id)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, edges)
	}
}

func createProcessChainHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var chain models.ProcessChain
		if err := c.ShouldBindJSON(&chain); err != nil {
			respondDomainError(c, err)
			return
		}
		if err := models.CreateProcessChain(c.Request.Context(), &chain); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, chain)
	}
}

func getProcessChainHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		chain, err := models.GetProcessChain(c.Request.Context(), id)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, chain)
	}
}

func issueToVendorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "issueToVendor")
		defer span.End()

		var input models.IssueToVendorInput
		if err := c.ShouldBindJSON(&input); err != nil {
			respondDomainError(c, err)
			return
		}
		jw, err := models.IssueToVendor(ctx, &input)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusCreated, jw)
	}
}

func getJobWorkHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		jw, err := models.GetJobWorkBatch(c.Request.Context(), id)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, jw)
	}
}

type updateLocationRequest struct {
	Location string  `json:"location" binding:"required"`
	Notes    *string `json:"notes"`
}

func updateLocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req updateLocationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondDomainError(c, err)
			return
		}
		jw, err := models.UpdateLocation(c.Request.Context(), id, models.VendorLocation(req.Location), req.Notes)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, jw)
	}
}

func receiveFromVendorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "receiveFromVendor")
		defer span.End()

		id, ok := pathId(c)
		if !ok {
			return
		}
		var input models.ReceiveFromVendorInput
		if err := c.ShouldBindJSON(&input); err != nil {
			respondDomainError(c, err)
			return
		}
		jw, err := models.ReceiveFromVendor(ctx, id, &input)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, jw)
	}
}

func autoForwardHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "autoForward")
		defer span.End()

		id, ok := pathId(c)
		if !ok {
			return
		}
		jw, decision, err := models.AutoForward(ctx, id)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		if !decision.Eligible {
			c.JSON(http.StatusConflict, gin.H{"decision": decision})
			return
		}
		c.JSON(http.StatusOK, gin.H{"decision": decision, "job_work": jw})
	}
}

type cancelRequest struct {
	Notes *string `json:"notes"`
}

func cancelRoutingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var req cancelRequest
		_ = c.ShouldBindJSON(&req)
		jw, err := models.CancelRouting(c.Request.Context(), id, req.Notes)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, jw)
	}
}

func overdueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		days := 0
		if v := c.Query("days"); v != "" {
			days, _ = strconv.Atoi(v)
		}
		if days <= 0 {
			days = models.OverdueMaxAgeDays()
		}
		overdue, err := models.OverdueJobWorkBatches(c.Request.Context(), time.Now().UTC(), days)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, overdue)
	}
}

func vendorWorkloadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		workload, err := models.VendorWorkload(c.Request.Context())
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, workload)
	}
}

type outboxReplayRequest struct {
	ReferenceType string `json:"reference_type" binding:"required"`
	ReferenceId   int    `json:"reference_id" binding:"required"`
}

func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondDomainError(c, err)
			return
		}
		n, err := models.ReplayOutbox(c.Request.Context(),
			models.EventReferenceType(req.ReferenceType), req.ReferenceId)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"requeued": n})
	}
}
