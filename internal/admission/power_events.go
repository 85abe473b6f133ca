package admission

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"fractal/internal/logging"
)

// PowerEvents listens for udev power_supply change events (charger plugged
// or unplugged, battery level steps) and nudges subscribers so a blocked
// session re-checks immediately instead of waiting out its backoff.
type PowerEvents struct {
	logger *slog.Logger

	mu          sync.Mutex
	conn        *netlink.UEventConn
	subscribers []chan struct{}
	running     bool
}

// NewPowerEvents constructs an idle listener.
func NewPowerEvents(logger *slog.Logger) *PowerEvents {
	return &PowerEvents{logger: logging.NewComponentLogger(logger, "power-events")}
}

// Subscribe returns a channel that receives a value after power events. The
// channel holds at most one pending nudge.
func (p *PowerEvents) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()
	return ch
}

// Run connects to the kernel uevent socket and forwards events until ctx
// ends. A socket that cannot be opened is logged and tolerated; sessions then
// rely on their backoff alone.
func (p *PowerEvents) Run(ctx context.Context) error {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		logging.WarnWithContext(p.logger, "failed to connect to netlink socket", "power_events_unavailable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "ensure the daemon may open NETLINK_KOBJECT_UEVENT sockets"),
			logging.String(logging.FieldImpact, "charger changes are noticed on the next backoff tick"),
		)
		return nil
	}

	p.mu.Lock()
	p.conn = conn
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		_ = p.conn.Close()
		p.conn = nil
		p.running = false
		p.mu.Unlock()
	}()

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	quit := conn.Monitor(queue, errs, powerSupplyMatcher())
	defer close(quit)

	p.logger.Info("power event monitor started", logging.String(logging.FieldEventType, "power_events_started"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case uevent := <-queue:
			p.logger.Debug("power supply event",
				logging.String("action", string(uevent.Action)),
				logging.String("name", uevent.Env["POWER_SUPPLY_NAME"]),
			)
			p.Notify()
		case err := <-errs:
			logging.WarnWithContext(p.logger, "netlink monitor error", "power_events_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "power changes may be noticed late"),
			)
		}
	}
}

// Running reports whether the netlink socket is open.
func (p *PowerEvents) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Notify nudges every subscriber without blocking.
func (p *PowerEvents) Notify() {
	p.mu.Lock()
	subs := append([]chan struct{}(nil), p.subscribers...)
	p.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func powerSupplyMatcher() netlink.Matcher {
	action := "change|add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "power_supply",
		},
	})
	return rules
}
