package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/repo"
	"storefront-checkout/internal/service"
)

const genericPaymentError = "payment processing failed, please try again"

type variantDTO struct {
	VariantID string          `json:"variantId" binding:"required"`
	Size      string          `json:"size" binding:"required"`
	Color     string          `json:"color"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity" binding:"required,gt=0"`
}

type createOrderRequest struct {
	OrderNumber    string          `json:"order_number" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	ReferralCode   string          `json:"referralCode"`
	Email          string          `json:"email" binding:"required,email"`
	FirstName      string          `json:"firstName" binding:"required"`
	LastName       string          `json:"lastName"`
	Phone          string          `json:"phone"`
	Address        string          `json:"address"`
	City           string          `json:"city"`
	Province       string          `json:"province"`
	PostalCode     string          `json:"postalCode"`
	Country        string          `json:"country"`
	ProductVariant []variantDTO    `json:"productVariant" binding:"required,min=1,dive"`
}

type paymentDetailsDTO struct {
	CardNumber string `json:"card_number"`
	Expiry     string `json:"expiry"`
	CVC        string `json:"cvc"`
	BankCode   string `json:"bank_code"`
}

type attachMethodRequest struct {
	OrderNumber    string            `json:"order_number" binding:"required"`
	PaymentMethod  string            `json:"payment_method" binding:"required,oneof=card e_wallet online_banking"`
	PaymentType    string            `json:"payment_type"`
	PaymentDetails paymentDetailsDTO `json:"payment_details"`
}

type webhookRequest struct {
	PaymentIntentID string `json:"payment_intent_id" binding:"required"`
}

func (s *Server) createOrderHandler(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	items := make([]service.LineItem, 0, len(req.ProductVariant))
	for _, v := range req.ProductVariant {
		items = append(items, service.LineItem{
			VariantID: v.VariantID,
			Size:      v.Size,
			Color:     v.Color,
			UnitPrice: v.Price,
			Quantity:  v.Quantity,
		})
	}

	res, err := s.checkout.Create(c.Request.Context(), service.CreateRequest{
		OrderNumber:  req.OrderNumber,
		Items:        items,
		ReferralCode: req.ReferralCode,
		Amount:       req.Amount,
		Customer: domain.Customer{
			Email:      req.Email,
			FirstName:  req.FirstName,
			LastName:   req.LastName,
			Phone:      req.Phone,
			Address:    req.Address,
			City:       req.City,
			Province:   req.Province,
			PostalCode: req.PostalCode,
			Country:    req.Country,
		},
	})
	if err != nil {
		s.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"paymentIntent": gin.H{
			"id":        res.Intent.ID,
			"clientKey": res.Intent.ClientKey,
		},
		"paymentIntentStatus": res.Intent.Status,
		"order_id":            res.Order.ID,
		"order_number":        res.Order.OrderNumber,
		"order_status":        res.Order.Status,
		"order_total":         res.Order.TotalAmount.StringFixed(2),
	})
}

func (s *Server) attachMethodHandler(c *gin.Context) {
	var req attachMethodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.checkout.AttachMethod(c.Request.Context(), service.AttachRequest{
		OrderNumber: req.OrderNumber,
		Method: payment.MethodInput{
			Kind:       domain.MethodKind(req.PaymentMethod),
			Type:       req.PaymentType,
			CardNumber: req.PaymentDetails.CardNumber,
			Expiry:     req.PaymentDetails.Expiry,
			CVC:        req.PaymentDetails.CVC,
			BankCode:   req.PaymentDetails.BankCode,
		},
	})
	if err != nil {
		s.handleError(c, err)
		return
	}

	var nextAction any
	if res.RedirectURL != "" {
		nextAction = gin.H{"type": "redirect", "redirect": gin.H{"url": res.RedirectURL}}
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"paymentMethod":       res.MethodID,
		"paymentMethodStatus": res.Status,
		"nextAction":          nextAction,
	}})
}

func (s *Server) paymentStatusHandler(c *gin.Context) {
	res, err := s.checkout.Reconcile(c.Request.Context(), service.ReconcileRequest{
		OrderNumber: c.Param("orderNumber"),
		IntentID:    c.Query("paymentIntentId"),
	})
	s.respondReconcile(c, res, err)
}

// webhookHandler accepts gateway callbacks. When a secret is configured the raw
// body must carry a hex HMAC-SHA256 in X-Signature.
func (s *Server) webhookHandler(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}
	if s.webhookSecret != "" && !validSignature(s.webhookSecret, body, c.GetHeader("X-Signature")) {
		respondError(c, http.StatusUnauthorized, "invalid_signature", "signature mismatch")
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil || req.PaymentIntentID == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "payment_intent_id is required")
		return
	}

	res, err := s.checkout.ReconcileByIntent(c.Request.Context(), req.PaymentIntentID)
	s.respondReconcile(c, res, err)
}

func validSignature(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (s *Server) respondReconcile(c *gin.Context, res *service.ReconcileResult, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, statusBody(res))
	case errors.Is(err, service.ErrAlreadyProcessed) && res != nil:
		c.JSON(http.StatusOK, statusBody(res))
	case errors.Is(err, service.ErrNotFinal) && res != nil:
		c.JSON(http.StatusAccepted, statusBody(res))
	case errors.Is(err, service.ErrStockExhausted) && res != nil:
		body := statusBody(res)
		body["error"] = "stock_exhausted"
		body["message"] = stockExhaustedMessage(res.Order)
		body["refundRequired"] = res.Order.RefundRequired
		c.JSON(http.StatusConflict, body)
	default:
		s.handleError(c, err)
	}
}

func stockExhaustedMessage(o *domain.Order) string {
	if o.Status == domain.OrderCanceled {
		return "an item sold out before your order was confirmed; your payment will be refunded"
	}
	return "an item sold out before your order was confirmed; your order is on hold and our team will contact you"
}

func statusBody(res *service.ReconcileResult) gin.H {
	paymentStatus := res.PaymentStatus
	if paymentStatus == "" {
		switch res.Order.Status {
		case domain.OrderPaid:
			paymentStatus = domain.PaymentSucceeded
		case domain.OrderCanceled:
			paymentStatus = domain.PaymentFailed
		case domain.OrderPending:
			paymentStatus = domain.PaymentAwaitingMethod
		}
	}
	return gin.H{
		"orderStatus":   res.Order.Status,
		"paymentStatus": paymentStatus,
	}
}

// handleError maps service errors onto status codes. Gateway details stay in the logs.
func (s *Server) handleError(c *gin.Context, err error) {
	_ = c.Error(err)

	var stockErr *repo.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_stock",
			"message": err.Error(),
			"item": gin.H{
				"variantId": stockErr.VariantID,
				"size":      stockErr.Size,
				"requested": stockErr.Requested,
				"available": stockErr.Available,
			},
		})
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrInvalidCardExpiry),
		errors.Is(err, service.ErrInvalidPaymentDetails):
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, service.ErrOrderNotFound):
		respondError(c, http.StatusNotFound, "order_not_found", "order not found")
	case errors.Is(err, service.ErrDuplicateOrderNumber):
		respondError(c, http.StatusConflict, "duplicate_order", "order number already exists")
	case errors.Is(err, service.ErrStatusConflict):
		respondError(c, http.StatusConflict, "status_conflict", err.Error())
	case errors.Is(err, service.ErrStockExhausted):
		respondError(c, http.StatusConflict, "stock_exhausted", "an item sold out before your order was confirmed")
	case errors.Is(err, service.ErrGateway):
		var gwErr *payment.GatewayError
		if errors.As(err, &gwErr) {
			s.logger.Error("payment gateway failure",
				"op", gwErr.Op, "upstream_status", gwErr.StatusCode, "payload", string(gwErr.Payload))
		}
		respondError(c, http.StatusBadGateway, "payment_failed", genericPaymentError)
	default:
		respondError(c, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": code, "message": message})
}
