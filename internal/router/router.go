package router

import (
	"errors"
	"net/http"
	"strconv"

	"paid_channel/internal/config"
	"paid_channel/internal/middleware"
	"paid_channel/internal/model"
	"paid_channel/internal/notify"
	"paid_channel/internal/store"
	"paid_channel/internal/workflow"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rd "github.com/redis/go-redis/v9"
)

// errNotOwner 频道管理接口的调用人不是 owner。
var errNotOwner = errors.New("caller is not the channel owner")

// Deps 路由依赖。Redis 为 nil 时下单不限流。
type Deps struct {
	Store    *store.Store
	Workflow *workflow.Service
	Redis    *rd.Client
	Config   config.AppConfig
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", middleware.APIToken(d.Config.APIToken))

	// 频道目录
	api.POST("/channels", upsertChannel(d.Store))
	api.GET("/channels/:channel_id", getChannel(d.Store))
	api.PUT("/channels/:channel_id/payment_info", updatePaymentInfo(d.Store))
	api.DELETE("/channels/:channel_id", deleteChannel(d.Store))
	api.GET("/owners/:owner_id/channels", listOwnerChannels(d.Store))
	api.GET("/channels/:channel_id/events", listChannelEvents(d.Store))

	// 档位
	api.POST("/channels/:channel_id/tariffs", createTariff(d.Store))
	api.GET("/channels/:channel_id/tariffs", listTariffs(d.Store))
	api.GET("/tariffs/:tariff_id", getTariff(d.Store))
	api.DELETE("/tariffs/:tariff_id", removeTariff(d.Store))

	// 订单
	api.POST("/orders", middleware.OrderRateLimit(d.Redis, d.Config.OrderRateLimit, d.Config.OrderRateWindow), placeOrder(d.Workflow))
	api.POST("/orders/proof", submitProof(d.Workflow))
	api.POST("/orders/approve", approveOrder(d.Workflow))
	api.POST("/orders/reject", rejectOrder(d.Workflow))
	api.POST("/orders/action", handleAction(d.Workflow))

	// 我的订阅
	api.GET("/users/:user_id/subscriptions", listUserSubscriptions(d.Store))
	api.DELETE("/channels/:channel_id/subscriptions/:user_id", revokeSubscription(d.Store, d.Workflow))
}

// fail 把错误分类映射为 HTTP 状态码。
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, store.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, errNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, notify.ErrDelivery):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"code": status, "msg": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": msg})
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

func paramInt64(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		badRequest(c, name+" is invalid")
		return 0, false
	}
	return v, true
}

func paramUint(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || v == 0 {
		badRequest(c, name+" is invalid")
		return 0, false
	}
	return uint(v), true
}

// queryOwner DELETE 请求没有 body，owner 通过 query 传入。
func queryOwner(c *gin.Context) (int64, bool) {
	v, err := strconv.ParseInt(c.Query("owner_id"), 10, 64)
	if err != nil || v <= 0 {
		badRequest(c, "owner_id is required")
		return 0, false
	}
	return v, true
}

func requireOwner(c *gin.Context, st *store.Store, channelID, ownerID int64) bool {
	ch, err := st.GetChannel(c.Request.Context(), channelID)
	if err != nil {
		fail(c, err)
		return false
	}
	if ch.OwnerID != ownerID {
		fail(c, errNotOwner)
		return false
	}
	return true
}

func deliveryError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ---- 频道 ----

func upsertChannel(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ChannelID   int64  `json:"channel_id" binding:"required"`
			OwnerID     int64  `json:"owner_id" binding:"required,min=1"`
			Title       string `json:"title" binding:"required"`
			PaymentInfo string `json:"payment_info"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		ctx := c.Request.Context()
		// 已登记的频道只能由原 owner 覆盖。
		if existing, err := st.GetChannel(ctx, req.ChannelID); err == nil && existing.OwnerID != req.OwnerID {
			fail(c, errNotOwner)
			return
		}
		ch := model.Channel{ChannelID: req.ChannelID, OwnerID: req.OwnerID, Title: req.Title, PaymentInfo: req.PaymentInfo}
		if err := st.UpsertChannel(ctx, ch); err != nil {
			fail(c, err)
			return
		}
		saved, err := st.GetChannel(ctx, req.ChannelID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, saved)
	}
}

func getChannel(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramInt64(c, "channel_id")
		if !valid {
			return
		}
		ch, err := st.GetChannel(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, ch)
	}
}

func updatePaymentInfo(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramInt64(c, "channel_id")
		if !valid {
			return
		}
		var req struct {
			OwnerID     int64  `json:"owner_id" binding:"required,min=1"`
			PaymentInfo string `json:"payment_info" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if !requireOwner(c, st, id, req.OwnerID) {
			return
		}
		if err := st.UpdatePaymentInfo(c.Request.Context(), id, req.PaymentInfo); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "updated"})
	}
}

func deleteChannel(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramInt64(c, "channel_id")
		if !valid {
			return
		}
		ownerID, valid := queryOwner(c)
		if !valid {
			return
		}
		if !requireOwner(c, st, id, ownerID) {
			return
		}
		if err := st.DeleteChannel(c.Request.Context(), id); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "deleted"})
	}
}

func listOwnerChannels(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, valid := paramInt64(c, "owner_id")
		if !valid {
			return
		}
		list, err := st.ListOwnerChannels(c.Request.Context(), ownerID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

func listChannelEvents(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramInt64(c, "channel_id")
		if !valid {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		list, err := st.ListChannelEvents(c.Request.Context(), id, limit)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

// ---- 档位 ----

func createTariff(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		channelID, valid := paramInt64(c, "channel_id")
		if !valid {
			return
		}
		var req struct {
			OwnerID      int64  `json:"owner_id" binding:"required,min=1"`
			Title        string `json:"title" binding:"required"`
			DurationDays int    `json:"duration_days" binding:"required,min=1,max=36500"`
			Price        int64  `json:"price" binding:"min=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if !requireOwner(c, st, channelID, req.OwnerID) {
			return
		}
		t, err := st.CreateTariff(c.Request.Context(), channelID, req.Title, req.DurationDays, req.Price)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, t)
	}
}

func listTariffs(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		channelID, valid := paramInt64(c, "channel_id")
		if !valid {
			return
		}
		list, err := st.ListTariffs(c.Request.Context(), channelID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

func getTariff(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramUint(c, "tariff_id")
		if !valid {
			return
		}
		t, err := st.GetTariff(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, t)
	}
}

func removeTariff(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramUint(c, "tariff_id")
		if !valid {
			return
		}
		ownerID, valid := queryOwner(c)
		if !valid {
			return
		}
		ctx := c.Request.Context()
		t, err := st.GetTariff(ctx, id)
		if err != nil {
			fail(c, err)
			return
		}
		if !requireOwner(c, st, t.ChannelID, ownerID) {
			return
		}
		if err := st.RemoveTariff(ctx, id); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "deleted"})
	}
}

// ---- 订单 ----

type orderKeyReq struct {
	ChannelID int64 `json:"channel_id" binding:"required"`
	UserID    int64 `json:"user_id" binding:"required,min=1"`
	TariffID  uint  `json:"tariff_id" binding:"required,min=1"`
}

func (r orderKeyReq) key() model.OrderKey {
	return model.OrderKey{ChannelID: r.ChannelID, UserID: r.UserID, TariffID: r.TariffID}
}

func placeOrder(wf *workflow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orderKeyReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		q, err := wf.PlaceOrder(c.Request.Context(), req.key())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{
			"order_id":     q.Order.ID,
			"status":       q.Order.Status,
			"channel":      q.Channel.Title,
			"payment_info": q.Channel.PaymentInfo,
			"tariff":       q.Tariff,
		})
	}
}

func submitProof(wf *workflow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			orderKeyReq
			ProofRef string `json:"proof_ref" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := wf.SubmitProof(c.Request.Context(), req.key(), req.ProofRef)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{
			"order_id":       res.Order.ID,
			"status":         res.Order.Status,
			"delivery_error": deliveryError(res.DeliveryErr),
		})
	}
}

func approveOrder(wf *workflow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			orderKeyReq
			ReviewerID int64 `json:"reviewer_id" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := wf.Approve(c.Request.Context(), req.key(), req.ReviewerID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, approvalView(res))
	}
}

func rejectOrder(wf *workflow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			orderKeyReq
			ReviewerID int64  `json:"reviewer_id" binding:"required,min=1"`
			Reason     string `json:"reason"`
			Notify     *bool  `json:"notify"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		notifyBuyer := req.Notify == nil || *req.Notify
		res, err := wf.Reject(c.Request.Context(), req.key(), req.ReviewerID, req.Reason, notifyBuyer)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, rejectionView(res))
	}
}

// handleAction 接收审核按钮原样携带的标识，如 approve_-100123_42_3。
func handleAction(wf *workflow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Action     string `json:"action" binding:"required"`
			ReviewerID int64  `json:"reviewer_id" binding:"required,min=1"`
			Reason     string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		out, err := wf.Handle(c.Request.Context(), req.Action, req.ReviewerID, req.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		if out.Approval != nil {
			ok(c, approvalView(out.Approval))
			return
		}
		ok(c, rejectionView(out.Rejection))
	}
}

func approvalView(a *workflow.Approval) gin.H {
	return gin.H{
		"order_id":       a.Order.ID,
		"status":         a.Order.Status,
		"expire_at":      a.Subscription.ExpireAt,
		"invite_link":    a.InviteLink,
		"delivery_error": deliveryError(a.DeliveryErr),
	}
}

func rejectionView(r *workflow.Rejection) gin.H {
	return gin.H{
		"order_id":         r.Order.ID,
		"status":           r.Order.Status,
		"rejection_reason": r.Order.RejectionReason,
		"notified":         r.Notified,
		"delivery_error":   deliveryError(r.DeliveryErr),
	}
}

// ---- 订阅 ----

func listUserSubscriptions(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, valid := paramInt64(c, "user_id")
		if !valid {
			return
		}
		list, err := st.ListForUser(c.Request.Context(), userID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

// revokeSubscription owner 手动收回授权：?owner_id=&force=true。
// 默认踢出失败时返回 502 并保留授权；force 时仍删除。
func revokeSubscription(st *store.Store, wf *workflow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		channelID, valid := paramInt64(c, "channel_id")
		if !valid {
			return
		}
		userID, valid := paramInt64(c, "user_id")
		if !valid {
			return
		}
		ownerID, valid := queryOwner(c)
		if !valid {
			return
		}
		force, _ := strconv.ParseBool(c.Query("force"))
		if !requireOwner(c, st, channelID, ownerID) {
			return
		}
		res, err := wf.Revoke(c.Request.Context(), channelID, userID, ownerID, force)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{
			"channel_id":   res.ChannelID,
			"user_id":      res.UserID,
			"forced":       res.Forced,
			"revoke_error": deliveryError(res.RevokeErr),
		})
	}
}
