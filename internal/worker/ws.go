package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ticketgate/internal/chain"
)

// RunWS subscribes to new heads and nudges the worker on each one. It reconnects until ctx
// is done.
func (w *Worker) RunWS(ctx context.Context, nudges chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		client := chain.NewWSClient(w.WSEndpoint)
		if err := client.Connect(ctx); err != nil {
			w.log().Warn("ws connect failed", zap.String("endpoint", w.WSEndpoint), zap.Error(err))
			if !sleep(ctx, 3*time.Second) {
				return
			}
			continue
		}
		w.log().Info("ws connected", zap.String("endpoint", w.WSEndpoint))

		if err := client.SubscribeHeads(); err != nil {
			w.log().Warn("ws subscribe failed", zap.Error(err))
			client.Close()
			if !sleep(ctx, 3*time.Second) {
				return
			}
			continue
		}

		w.readHeads(ctx, client, nudges)
		if !sleep(ctx, 2*time.Second) {
			return
		}
	}
}

func (w *Worker) readHeads(ctx context.Context, client *chain.WSClient, nudges chan<- struct{}) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()
	defer client.Close()

	for {
		msg, err := client.Read()
		if err != nil {
			if ctx.Err() == nil {
				w.log().Warn("ws read failed", zap.Error(err))
			}
			return
		}
		height, ok, err := chain.ParseHead(msg)
		if err != nil {
			w.log().Warn("ws parse failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		w.log().Debug("new head", zap.Uint64("height", height))
		select {
		case nudges <- struct{}{}:
		default:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
