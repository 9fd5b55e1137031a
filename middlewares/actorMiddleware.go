package middlewares

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"bitbucket.org/mandalayfab/factory_backend/utils"
)

// ActorMiddleware lifts the caller identity headers into the request
// context. Authentication itself is an upstream concern; this service
// only records who asked.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if v := c.GetHeader("X-Actor-Id"); v != "" {
			if actorId, err := strconv.Atoi(v); err == nil {
				ctx = utils.SetActorIdInContext(ctx, actorId)
			}
		}
		if v := c.GetHeader("X-Actor-Name"); v != "" {
			ctx = utils.SetActorNameInContext(ctx, v)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CorrelationIdMiddleware propagates X-Correlation-Id, minting one when
// the caller did not send it. The id ends up on ledger-driven outbox
// events so subscribers can stitch a request's effects together.
func CorrelationIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.GetHeader("X-Correlation-Id")
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set("X-Correlation-Id", correlationId)
		c.Next()
	}
}
