package api

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"deadswitch/internal/auth"
	"deadswitch/internal/errors"
	"deadswitch/internal/metrics"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const callerKey = "caller"

// 参与签名的请求体上限
const maxSignedBody = 1 << 20

// ipLimiter 按客户端 IP 限流，限流器数量受 LRU 容量约束
type ipLimiter struct {
	limiters *cache.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		limiters: cache.New(cache.AsLRU[string, *rate.Limiter](lru.WithCapacity(10000))),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	if limiter, ok := l.limiters.Get(ip); ok {
		return limiter
	}
	limiter := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Set(ip, limiter, cache.WithExpiration(10*time.Minute))
	return limiter
}

// rateLimit 超出限额返回 429
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		if !s.limiter.get(c.ClientIP()).Allow() {
			metrics.APIRejected.WithLabelValues("rate_limit").Inc()
			s.writeError(c, errors.ErrRateLimitExceeded.WithContext("ip", c.ClientIP()))
			return
		}
		c.Next()
	}
}

// instrument 记录请求计数与访问日志
func (s *Server) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.APIRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()

		entry := s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"route":    route,
			"status":   status,
			"duration": time.Since(start).String(),
			"ip":       c.ClientIP(),
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("请求处理失败")
		} else {
			entry.Debug("请求完成")
		}
	}
}

// requireCaller 解析调用方；启用认证时校验签名，否则信任 X-Caller
func (s *Server) requireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		callerHex := c.GetHeader(auth.HeaderCaller)

		if s.verifier == nil {
			if !common.IsHexAddress(callerHex) {
				metrics.APIRejected.WithLabelValues("caller").Inc()
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   errors.ErrUnauthorized.Code,
					"message": "缺少或无效的 X-Caller",
				})
				return
			}
			c.Set(callerKey, common.HexToAddress(callerHex))
			c.Next()
			return
		}

		// 签名覆盖请求体，读出后放回供后续绑定
		var body []byte
		if c.Request.Body != nil {
			data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignedBody+1))
			if err != nil || len(data) > maxSignedBody {
				metrics.APIRejected.WithLabelValues("body").Inc()
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
					"error":   "BAD_REQUEST",
					"message": "请求体过大或无法读取",
				})
				return
			}
			body = data
			c.Request.Body = io.NopCloser(bytes.NewReader(data))
		}

		caller, err := s.verifier.Verify(
			c.Request.Method,
			c.Request.URL.Path,
			callerHex,
			c.GetHeader(auth.HeaderTimestamp),
			c.GetHeader(auth.HeaderSignature),
			body,
		)
		if err != nil {
			metrics.APIRejected.WithLabelValues("signature").Inc()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   errors.ErrUnauthorized.Code,
				"message": err.Error(),
			})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func callerFrom(c *gin.Context) common.Address {
	v, _ := c.Get(callerKey)
	addr, _ := v.(common.Address)
	return addr
}
