package orchestrator

import (
	"context"
	"log/slog"

	"fractal/internal/logging"
	"fractal/internal/notifications"
)

// progressPump delivers indicator updates on its own goroutine so a slow
// indicator never holds up the executor. Only the newest value is kept.
type progressPump struct {
	indicator notifications.Indicator
	logger    *slog.Logger
	latest    chan int
	cancel    context.CancelFunc
	done      chan struct{}
}

func startProgressPump(ctx context.Context, indicator notifications.Indicator, logger *slog.Logger) *progressPump {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &progressPump{
		indicator: indicator,
		logger:    logger,
		latest:    make(chan int, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

// send never blocks. A value not yet delivered is replaced. Only the
// executor goroutine sends.
func (p *progressPump) send(percent int) {
	for {
		select {
		case p.latest <- percent:
			return
		default:
		}
		select {
		case <-p.latest:
		default:
		}
	}
}

func (p *progressPump) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case percent := <-p.latest:
			if err := p.indicator.Update(ctx, percent); err != nil && ctx.Err() == nil {
				p.logger.Debug("indicator update failed", logging.Error(err))
			}
		}
	}
}

// stop abandons any in-flight update and waits for the goroutine to exit.
func (p *progressPump) stop() {
	p.cancel()
	<-p.done
}
