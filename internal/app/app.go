package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rabbitmq/amqp091-go"

	"github.com/1cbyc/ecom-api/internal/checkout"
	"github.com/1cbyc/ecom-api/internal/checkout/adapter"
	"github.com/1cbyc/ecom-api/internal/config"
	"github.com/1cbyc/ecom-api/internal/httpapi"
	"github.com/1cbyc/ecom-api/internal/order"
	"github.com/1cbyc/ecom-api/internal/payment"
	"github.com/1cbyc/ecom-api/internal/storage"
	"github.com/1cbyc/ecom-api/internal/webhook"
	"github.com/1cbyc/ecom-api/internal/websocket"
	"github.com/1cbyc/ecom-api/pkg/contracts"
	"github.com/1cbyc/ecom-api/pkg/logger"
	"github.com/1cbyc/ecom-api/pkg/messaging"
)

type App struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.Store
	wsHub     *websocket.Hub
	publisher messaging.Publisher
	outbox    *messaging.OutboxDispatcher
	consumer  *messaging.Consumer
	httpSrv   *http.Server
}

func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	// Without the secret every webhook would be rejected and no order could
	// ever leave payment_processing. Refuse to boot instead.
	if cfg.WebhookSecret == "" {
		return nil, errors.New("PAYMENT_WEBHOOK_SECRET must be set")
	}

	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	orderSvc := order.NewService(store.Pool())
	gateway := payment.NewGateway(cfg.PaymentAPIURL, cfg.PaymentAPIKey, cfg.PaymentTimeout, log)
	cart := adapter.NewCartHTTPReader(cfg.CartServiceURL, cfg.CollaboratorTimeout)
	catalog := adapter.NewCatalogHTTPReader(cfg.CatalogServiceURL, cfg.CollaboratorTimeout)

	checkoutSvc := checkout.NewService(cart, catalog, orderSvc, gateway, log, checkout.Config{
		Currency:        cfg.Currency,
		MaxPriceLookups: cfg.PriceLookups,
	})

	reconciler := webhook.NewReconciler([]byte(cfg.WebhookSecret), orderSvc, log)

	publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.OrdersExchange)
	if err != nil {
		store.Close()
		return nil, err
	}

	consumer, err := messaging.NewRabbitConsumer(cfg.RabbitURL, cfg.OrdersExchange, cfg.OrderEventsQueue, cfg.OrderEventsBinding, log)
	if err != nil {
		store.Close()
		publisher.Close()
		return nil, err
	}

	wsHub := websocket.NewHub()

	api := httpapi.NewServer(checkoutSvc, reconciler, log)
	wsHandler := websocket.NewHandler(wsHub, checkoutSvc, log)
	api.HandleFunc("GET /ws/orders/{orderID}", wsHandler.ServeWS)

	httpSrv := httpapi.WithServer(ctx, cfg.HTTPAddr, httpapi.RequestLogger(log)(api))

	outbox := messaging.NewOutboxDispatcher(store.Pool(), publisher, "order_outbox", cfg.OutboxInterval, cfg.OutboxBatchSize, log)

	return &App{
		cfg:       cfg,
		logger:    log,
		store:     store,
		wsHub:     wsHub,
		publisher: publisher,
		outbox:    outbox,
		consumer:  consumer,
		httpSrv:   httpSrv,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	a.outbox.Start(ctx)

	go a.wsHub.Run(ctx)

	go func() {
		errCh <- a.consumer.Start(ctx, a.handleOrderEvent)
	}()

	go func() {
		a.logger.Info("orders http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGracePeriod)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	a.consumer.Close()
	a.publisher.Close()
	a.store.Close()
}

// handleOrderEvent feeds the status stream back into the websocket hub so
// connected clients see transitions as they commit. The events come off our
// own exchange, published by the outbox dispatcher.
func (a *App) handleOrderEvent(ctx context.Context, msg amqp091.Delivery) {
	var evt contracts.OrderStatusChangedEvent
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		a.logger.Error("invalid order event", "routing_key", msg.RoutingKey, "err", err)
		_ = msg.Nack(false, false)
		return
	}

	if evt.OrderID == "" || evt.Status == "" {
		a.logger.Warn("order event missing fields", "routing_key", msg.RoutingKey)
		_ = msg.Nack(false, false)
		return
	}

	a.wsHub.Broadcast(websocket.OrderUpdate{
		OrderID:     evt.OrderID,
		OrderNumber: evt.OrderNumber,
		Status:      evt.Status,
		Reason:      evt.Reason,
	})
	_ = msg.Ack(false)
}

func Run() error {
	cfg := config.Load()
	log := logger.New(logger.Options{Service: "orders-api", Env: cfg.Env, Level: cfg.LogLevel})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		return err
	}

	return nil
}
