package rest

import (
	"github.com/gin-gonic/gin"
)

// 设置路由
func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.New()

	// 添加中间件
	router.Use(handler.RequestLogger())
	router.Use(handler.CORS())
	router.Use(handler.ErrorHandler())

	// 健康检查
	router.GET("/health", handler.HealthCheck)

	// API 版本组
	v1 := router.Group("/api/v1")
	{
		// 秒杀订单相关路由
		order := v1.Group("/voucher-order")
		{
			// 同步秒杀下单
			order.POST("/seckill/:voucherId", handler.SeckillVoucher)

			// 异步秒杀下单
			order.POST("/seckill/async/:voucherId", handler.SeckillVoucherAsync)

			// 查询订单状态
			order.GET("/status/:orderId", handler.GetOrderStatus)
		}

		// 优惠券管理路由
		voucher := v1.Group("/voucher")
		{
			// 预热秒杀优惠券
			voucher.POST("/preload", handler.PreloadVoucher)
		}
	}

	return router
}
