// Package httpapi exposes the checkout flow and the payment webhook over
// HTTP. Identity arrives in X-User-ID and X-User-Role headers, filled in by
// the gateway in front of this service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/1cbyc/ecom-api/internal/apperr"
	"github.com/1cbyc/ecom-api/internal/checkout"
	"github.com/1cbyc/ecom-api/internal/webhook"
)

const maxWebhookBody = 1 << 20

type Server struct {
	checkoutSvc *checkout.Service
	reconciler  *webhook.Reconciler
	logger      *slog.Logger
	mux         *http.ServeMux
}

func NewServer(checkoutSvc *checkout.Service, reconciler *webhook.Reconciler, logger *slog.Logger) *Server {
	s := &Server{
		checkoutSvc: checkoutSvc,
		reconciler:  reconciler,
		logger:      logger,
		mux:         http.NewServeMux(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /checkout", s.initiateCheckout)
	s.mux.HandleFunc("POST /checkout/{orderID}/cancel", s.cancelCheckout)
	s.mux.HandleFunc("GET /checkout/{orderID}/payment", s.paymentStatus)
	s.mux.HandleFunc("GET /orders", s.listOrders)
	s.mux.HandleFunc("GET /orders/{orderID}", s.getOrder)
	s.mux.HandleFunc("GET /orders/number/{orderNumber}", s.getOrderByNumber)
	s.mux.HandleFunc("POST /orders/{orderID}/refund", s.refundOrder)
	s.mux.HandleFunc("POST /webhooks/payment", s.paymentWebhook)
}

// HandleFunc registers an extra route on the server's mux, used by the app
// to attach the websocket endpoint.
func (s *Server) HandleFunc(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) initiateCheckout(w http.ResponseWriter, r *http.Request) {
	who, err := identityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.checkoutSvc.InitiateCheckout(r.Context(), who.UserID)
	if err != nil {
		s.writeServiceError(w, "initiate checkout", err)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) cancelCheckout(w http.ResponseWriter, r *http.Request) {
	who, err := identityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orderID, err := uuid.Parse(r.PathValue("orderID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	o, err := s.checkoutSvc.CancelCheckout(r.Context(), orderID, who)
	if err != nil {
		s.writeServiceError(w, "cancel checkout", err)
		return
	}

	writeJSON(w, http.StatusOK, o)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	who, err := identityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	perPage, err := queryInt(r, "per_page", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.checkoutSvc.ListOrders(r.Context(), who, page, perPage)
	if err != nil {
		s.writeServiceError(w, "list orders", err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	who, err := identityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orderID, err := uuid.Parse(r.PathValue("orderID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	o, err := s.checkoutSvc.GetOrder(r.Context(), orderID, who)
	if err != nil {
		s.writeServiceError(w, "get order", err)
		return
	}

	writeJSON(w, http.StatusOK, o)
}

func (s *Server) getOrderByNumber(w http.ResponseWriter, r *http.Request) {
	who, err := identityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orderNumber := r.PathValue("orderNumber")
	if orderNumber == "" {
		writeError(w, http.StatusBadRequest, "missing order number")
		return
	}

	o, err := s.checkoutSvc.GetOrderByNumber(r.Context(), orderNumber, who)
	if err != nil {
		s.writeServiceError(w, "get order by number", err)
		return
	}

	writeJSON(w, http.StatusOK, o)
}

func (s *Server) paymentStatus(w http.ResponseWriter, r *http.Request) {
	who, err := identityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orderID, err := uuid.Parse(r.PathValue("orderID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	res, err := s.checkoutSvc.PaymentStatus(r.Context(), orderID, who)
	if err != nil {
		s.writeServiceError(w, "payment status", err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) refundOrder(w http.ResponseWriter, r *http.Request) {
	who, err := identityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orderID, err := uuid.Parse(r.PathValue("orderID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	ref, err := s.checkoutSvc.RefundOrder(r.Context(), orderID, who)
	if err != nil {
		s.writeServiceError(w, "refund order", err)
		return
	}

	// Accepted, not done: the order flips to refunded when the processor
	// confirms over the webhook.
	writeJSON(w, http.StatusAccepted, ref)
}

func (s *Server) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	res, err := s.reconciler.Handle(r.Context(), payload, r.Header.Get(webhook.SignatureHeader))
	if err != nil {
		if errors.Is(err, apperr.ErrAuthentication) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		// Fail loudly so the processor redelivers once storage is back.
		s.logger.Error("webhook processing failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"outcome": string(res.Outcome),
	})
}

func identityFromRequest(r *http.Request) (checkout.Identity, error) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return checkout.Identity{}, errors.New("missing X-User-ID header")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return checkout.Identity{}, errors.New("invalid X-User-ID header")
	}
	return checkout.Identity{
		UserID: userID,
		Admin:  strings.EqualFold(r.Header.Get("X-User-Role"), "admin"),
	}, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("invalid " + name + " parameter")
	}
	return v, nil
}

func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// WithServer wraps a handler in an http.Server that shuts down when ctx is
// cancelled.
func WithServer(ctx context.Context, addr string, srv http.Handler) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: srv,
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	return server
}
