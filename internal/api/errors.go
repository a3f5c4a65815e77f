package api

import (
	"net/http"

	"deadswitch/internal/errors"

	"github.com/gin-gonic/gin"
)

// statusFor 业务错误到 HTTP 状态码的映射
func statusFor(se *errors.SwitchError) int {
	switch se.Type {
	case errors.ErrorTypeAuthorization:
		return http.StatusForbidden
	case errors.ErrorTypeState:
		return http.StatusConflict
	case errors.ErrorTypeValidation, errors.ErrorTypeRejectedValue:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeFunds, errors.ErrorTypeTransfer:
		return http.StatusUnprocessableEntity
	case errors.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case errors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrorTypeNetwork, errors.ErrorTypeRPC:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError 输出错误响应；5xx 交给错误处理器记录
func (s *Server) writeError(c *gin.Context, err error) {
	se, ok := errors.AsSwitchError(err)
	if !ok {
		se = errors.WrapError(err, errors.ErrorTypeStorage, errors.SeverityMedium, "INTERNAL_ERROR", "内部错误")
	}

	status := statusFor(se)
	if status >= http.StatusInternalServerError {
		_ = s.errHandler.HandleError(c.Request.Context(), se.WithComponent("api"))
	}

	body := gin.H{
		"error":   se.Code,
		"message": err.Error(),
	}
	if se.SwitchID != nil {
		body["switch_id"] = *se.SwitchID
	}
	if len(se.Context) > 0 {
		body["context"] = se.Context
	}
	c.AbortWithStatusJSON(status, body)
}

// badRequest 请求参数错误
func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "BAD_REQUEST",
		"message": err.Error(),
	})
}
