package responses

import (
	"time"

	"github.com/Aidin1998/bookfeed/pkg/errors"
	"github.com/gin-gonic/gin"
)

// ProblemContentType is the media type of problem responses.
const ProblemContentType = "application/problem+json"

// Error sends an RFC 7807 problem details response and aborts the chain.
func Error(c *gin.Context, problemDetails *errors.ProblemDetails) {
	if problemDetails.TraceID == "" {
		if traceID := getTraceID(c); traceID != "" {
			problemDetails.WithTraceID(traceID)
		}
	}
	if problemDetails.Extra == nil {
		problemDetails.WithExtra("timestamp", time.Now().UTC().Format(time.RFC3339))
	}

	c.Header("Content-Type", ProblemContentType)
	c.AbortWithStatusJSON(problemDetails.Status, problemDetails)
}

// BadRequest sends a 400 validation problem
func BadRequest(c *gin.Context, detail string, validationErrors ...errors.ValidationError) {
	problemDetails := errors.NewValidationError(detail, c.Request.URL.Path)
	if len(validationErrors) > 0 {
		problemDetails.WithValidationErrors(validationErrors)
	}
	Error(c, problemDetails)
}

// NotFound sends a 404 problem
func NotFound(c *gin.Context, detail string) {
	Error(c, errors.NewNotFoundError(detail, c.Request.URL.Path))
}

// UnknownProduct sends a 404 problem for a product without a book
func UnknownProduct(c *gin.Context, productID string) {
	Error(c, errors.NewUnknownProductError("no book for product "+productID, c.Request.URL.Path).
		WithExtra("product_id", productID))
}

// BookNotReady sends a 503 problem for a book still waiting on its snapshot
func BookNotReady(c *gin.Context, productID string) {
	Error(c, errors.NewBookNotReadyError("book "+productID+" has not received its snapshot", c.Request.URL.Path).
		WithExtra("product_id", productID))
}

// TooManyRequests sends a 429 problem
func TooManyRequests(c *gin.Context, detail string) {
	Error(c, errors.NewRateLimitError(detail, c.Request.URL.Path))
}

// InternalServerError sends a 500 problem
func InternalServerError(c *gin.Context, detail string) {
	Error(c, errors.NewInternalError(detail, c.Request.URL.Path))
}

// getTraceID extracts trace ID from context
func getTraceID(c *gin.Context) string {
	if traceID, exists := c.Get("trace_id"); exists {
		if id, ok := traceID.(string); ok {
			return id
		}
	}

	// Try to get from headers
	return c.GetHeader("X-Trace-ID")
}
