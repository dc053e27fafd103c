package httpapi

import (
	"errors"

	"standing_orders/internal/app"
	"standing_orders/internal/domain/calendar"
	"standing_orders/internal/domain/order"
	"standing_orders/internal/domain/series"

	"github.com/gin-gonic/gin"
)

// Response is the envelope of every JSON reply. Code is zero on success,
// otherwise the HTTP status times 100 plus a detail digit pair.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(201, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.AbortWithStatusJSON(statusCode, Response{
		Code:    code,
		Message: message,
	})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, 40100, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, 40400, message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, 50000, message)
}

// errorCode maps domain errors onto response codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, series.ErrSeriesNotFound),
		errors.Is(err, series.ErrItemNotFound),
		errors.Is(err, calendar.ErrCycleNotFound),
		errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, order.ErrLineNotFound),
		errors.Is(err, app.ErrAdvancementNotFound):
		return 40400
	case errors.Is(err, app.ErrAdvancementNotPending):
		return 40900
	case errors.Is(err, order.ErrConcurrencyConflict):
		return 40901
	case errors.Is(err, series.ErrDuplicateCode):
		return 40902
	case errors.Is(err, order.ErrValidation),
		errors.Is(err, calendar.ErrAmbiguousSlot):
		return 42200
	case errors.Is(err, order.ErrNoRemainingQuantity):
		return 42201
	case errors.Is(err, order.ErrSiteRequired):
		return 42202
	case errors.Is(err, app.ErrMultipleCycles):
		return 42203
	case errors.Is(err, app.ErrInvalidInput):
		return 40000
	case errors.Is(err, app.ErrNotAuthorized):
		return 40300
	default:
		return 50000
	}
}

// respondError writes err with the status its kind maps to.
func respondError(c *gin.Context, err error) {
	Error(c, errorCode(err), err.Error())
}
