package rest

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"voucher-order-service/internal/model"
	"voucher-order-service/internal/service"

	"github.com/gin-gonic/gin"
)

// REST API 处理程序
type Handler struct {
	orderService *service.OrderService
	healthCheck  func() error
}

// 创建处理程序
func NewHandler(orderService *service.OrderService, healthCheck func() error) *Handler {
	return &Handler{
		orderService: orderService,
		healthCheck:  healthCheck,
	}
}

// 从请求头解析用户ID
func userIDFromHeader(c *gin.Context) (int64, bool) {
	userIDStr := c.GetHeader("X-User-ID")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Missing or invalid X-User-ID header",
		})
		return 0, false
	}
	return userID, true
}

// 从路径解析优惠券ID
func voucherIDFromPath(c *gin.Context) (int64, bool) {
	voucherIDStr := c.Param("voucherId")
	voucherID, err := strconv.ParseInt(voucherIDStr, 10, 64)
	if err != nil || voucherID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid voucher ID",
		})
		return 0, false
	}
	return voucherID, true
}

// 结果码映射为 HTTP 状态码
func statusCodeFor(code int) int {
	switch code {
	case service.ResultSuccess:
		return http.StatusOK
	case service.ResultVoucherNotFound:
		return http.StatusNotFound
	case service.ResultNotStarted, service.ResultEnded:
		return http.StatusForbidden
	case service.ResultOutOfStock, service.ResultDuplicateOrder, service.ResultDuplicateRequest:
		return http.StatusConflict
	case service.ResultServerBusy:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// 同步秒杀下单
func (h *Handler) SeckillVoucher(c *gin.Context) {
	voucherID, ok := voucherIDFromPath(c)
	if !ok {
		return
	}
	userID, ok := userIDFromHeader(c)
	if !ok {
		return
	}

	result, err := h.orderService.PlaceOrder(c.Request.Context(), voucherID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal server error",
			"details": err.Error(),
		})
		return
	}

	c.JSON(statusCodeFor(result.Code), result)
}

// 异步秒杀下单
func (h *Handler) SeckillVoucherAsync(c *gin.Context) {
	voucherID, ok := voucherIDFromPath(c)
	if !ok {
		return
	}
	userID, ok := userIDFromHeader(c)
	if !ok {
		return
	}

	result, err := h.orderService.PlaceOrderAsync(c.Request.Context(), voucherID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal server error",
			"details": err.Error(),
		})
		return
	}

	// 异步路径下单成功返回 202，订单由后台 worker 落库
	if result.Success {
		c.JSON(http.StatusAccepted, result)
		return
	}
	c.JSON(statusCodeFor(result.Code), result)
}

// 查询订单状态
func (h *Handler) GetOrderStatus(c *gin.Context) {
	orderIDStr := c.Param("orderId")
	orderID, err := strconv.ParseInt(orderIDStr, 10, 64)
	if err != nil || orderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	order, err := h.orderService.GetOrderStatus(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to get order status",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, order)
}

// 预热秒杀优惠券
func (h *Handler) PreloadVoucher(c *gin.Context) {
	var req model.PreloadVoucherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	// 参数验证
	if req.VoucherID <= 0 || req.Stock <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid parameters",
		})
		return
	}

	if err := h.orderService.PreloadVoucher(c.Request.Context(), &req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to preload voucher",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Voucher preloaded successfully",
		"voucher_id": req.VoucherID,
		"stock":      req.Stock,
	})
}

// 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "unhealthy",
				"error":     err.Error(),
				"timestamp": time.Now().Format(time.RFC3339),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"service":   "voucher-order-service",
	})
}

// 中间件：请求日志
func (h *Handler) RequestLogger() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] %s %s %d %s %s\n",
			param.TimeStamp.Format(time.RFC3339),
			param.Method,
			param.Path,
			param.StatusCode,
			param.Latency,
			param.ClientIP,
		)
	})
}

// 中间件：CORS
func (h *Handler) CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// 中间件：错误处理
func (h *Handler) ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "Internal server error",
					"details": fmt.Sprintf("%v", err),
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}
