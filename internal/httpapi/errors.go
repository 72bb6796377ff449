package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sparkq-dev/sparkq/internal/log"
	"github.com/sparkq-dev/sparkq/internal/types"
)

// statusFor maps error kinds to HTTP status codes.
func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	case types.KindBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(de *types.Error) gin.H {
	return gin.H{"error": gin.H{"code": de.Code, "message": de.Message}}
}

// writeError translates a domain error to its HTTP shape. Internal
// detail is logged server-side and replaced by a generic message on the
// wire; every other kind passes through verbatim.
func writeError(c *gin.Context, err error) {
	var de *types.Error
	if !errors.As(err, &de) {
		de = types.Internalf("internal", "internal error").Wrap(err)
	}

	status := statusFor(de.Kind)
	if de.Kind == types.KindInternal {
		logger := log.WithComponent("http")
		logger.Error().
			Err(err).
			Str("code", de.Code).
			Str("path", c.Request.URL.Path).
			Str("request_id", c.GetString("request_id")).
			Msg("internal error")
		de = types.Internalf(de.Code, "internal error")
	}
	if de.Kind == types.KindBusy {
		c.Header("Retry-After", "1")
	}
	c.AbortWithStatusJSON(status, errorBody(de))
}
