package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ticketgate/internal/amount"
	"ticketgate/internal/chain"
	"ticketgate/internal/config"
	"ticketgate/internal/db"
	internalhttp "ticketgate/internal/http"
	"ticketgate/internal/logger"
	"ticketgate/internal/metrics"
	"ticketgate/internal/pricing"
	"ticketgate/internal/services"
	"ticketgate/internal/store"
	"ticketgate/internal/treasury"
	"ticketgate/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	zl, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, stop, cfg, zl)
	stop()
	if err != nil {
		zl.Error("api exited", zap.Error(err))
	}
	_ = zl.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// run owns every resource it opens and releases them before returning.
func run(ctx context.Context, stop context.CancelFunc, cfg *config.Config, zl *zap.Logger) error {
	var repo store.Repository
	switch cfg.DB.Driver {
	case "memory":
		zl.Warn("using in-memory order store; orders are lost on restart")
		repo = store.NewMemory()
	default:
		pool, err := db.Connect(ctx, cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()
		repo = store.New(pool)
	}

	signer, err := chain.LoadSigner(cfg.Treasury.PrivateKey)
	if err != nil {
		return fmt.Errorf("treasury credential: %w", err)
	}
	gw, err := chain.Dial(ctx, chain.Options{
		Endpoints:         cfg.Chain.RPCEndpoints,
		FailoverThreshold: cfg.Chain.RPCFailoverThreshold,
		Signer:            signer,
		DungeonContract:   cfg.Dungeon.Contract,
		TicketToken:       cfg.Tokens.Ticket.Address,
		TicketUnit:        amount.Unit(cfg.Tokens.Ticket.Decimals),
		PollInterval:      cfg.ReceiptPollInterval(),
		ApprovalTimeout:   cfg.ConfirmTimeout(),
		Logger:            zl.Named("chain"),
	})
	if err != nil {
		return fmt.Errorf("chain dial: %w", err)
	}
	defer gw.Close()
	if !gw.HasSigner() {
		zl.Warn("no treasury signing key configured; fulfillment and restocking are disabled")
	} else if !chain.SameAddress(gw.SignerAddress(), cfg.Treasury.Address) {
		zl.Warn("signing key does not match treasury address",
			zap.String("signer", gw.SignerAddress()),
			zap.String("treasury", cfg.Treasury.Address),
		)
	}

	m := metrics.New()
	quotes := pricing.NewClient(cfg.Quote.BaseURL, time.Duration(cfg.Quote.TimeoutMS)*time.Millisecond)

	reserve := treasury.NewManager(gw, quotes, treasury.Settings{
		Treasury:       cfg.Treasury.Address,
		Ticket:         cfg.Tokens.Ticket,
		Settlement:     cfg.Tokens.Settlement,
		Sellable:       cfg.SellableTokens(),
		Target:         cfg.Reserve.Target,
		Minimum:        cfg.Reserve.Minimum,
		Slippage:       cfg.Reserve.Slippage,
		ConfirmTimeout: cfg.ConfirmTimeout(),
	}, zl.Named("treasury"), m)

	orders := &services.OrderService{
		Store:          repo,
		Chain:          gw,
		Quotes:         quotes,
		Reserve:        reserve,
		Log:            zl.Named("orders"),
		Metrics:        m,
		PayTokens:      cfg.Tokens.Pay,
		Ticket:         cfg.Tokens.Ticket,
		DungeonID:      cfg.Dungeon.ID,
		Treasury:       cfg.Treasury.Address,
		FeeBps:         cfg.Orders.FeeBps,
		TTL:            cfg.QuoteTTL(),
		ConfirmTimeout: cfg.ConfirmTimeout(),
	}

	wsEndpoint := cfg.Chain.WSEndpoint
	if wsEndpoint == "" && len(cfg.Chain.RPCEndpoints) > 0 {
		wsEndpoint = chain.DefaultWSEndpoint(cfg.Chain.RPCEndpoints[0])
	}
	w := &worker.Worker{
		Store:           repo,
		Engine:          orders,
		Reserve:         reserve,
		Interval:        cfg.PollInterval(),
		RestockInterval: cfg.RestockCheckInterval(),
		WSEndpoint:      wsEndpoint,
		Log:             zl.Named("worker"),
		Metrics:         m,
	}
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(ctx)
	}()

	h := internalhttp.NewHandler(orders, reserve, zl.Named("http"))
	srv := internalhttp.NewServer(h, internalhttp.ServerOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		Metrics:     m.Handler(),
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zl.Info("api listening",
			zap.String("addr", cfg.Server.Addr),
			zap.Strings("rpc", cfg.Chain.RPCEndpoints),
			zap.String("ws", wsEndpoint),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")
	<-workerDone
	reserve.Wait()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctxShutdown)
}
