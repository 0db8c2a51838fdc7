package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/portside/anchor/internal/bus"
)

// Dispatcher subscribes to dead-letter events and fans each one out to every
// configured channel.
type Dispatcher struct {
	bus      *bus.Bus
	channels []Channel
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher wires a dispatcher. With no channels configured it falls back
// to a LogChannel so dead letters always surface somewhere.
func NewDispatcher(eventBus *bus.Bus, logger *slog.Logger, channels ...Channel) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if len(channels) == 0 {
		channels = []Channel{NewLogChannel(logger)}
	}
	return &Dispatcher{
		bus:      eventBus,
		channels: channels,
		logger:   logger.With("component", "alert"),
	}
}

// Start launches the channels and the fan-out loop. Channels that fail to
// start are dropped with an error log; the dispatcher runs with the rest.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	ready := d.channels[:0]
	for _, ch := range d.channels {
		if err := ch.Start(ctx); err != nil {
			d.logger.Error("alert channel failed to start", "channel", ch.Name(), "error", err)
			continue
		}
		ready = append(ready, ch)
	}
	d.channels = ready

	sub := d.bus.Subscribe(bus.TopicWebhookDeadLetter)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				payload, ok := ev.Payload.(bus.WebhookEvent)
				if !ok {
					continue
				}
				d.notifyAll(ctx, deadLetterAlert(payload))
			}
		}
	}()
	d.logger.Info("alert dispatcher started", "channels", len(d.channels))
}

// Stop cancels the fan-out loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) notifyAll(ctx context.Context, a Alert) {
	for _, ch := range d.channels {
		if err := ch.Notify(ctx, a); err != nil {
			d.logger.Error("alert delivery failed", "channel", ch.Name(), "error", err)
		}
	}
}

func deadLetterAlert(ev bus.WebhookEvent) Alert {
	return Alert{
		Severity:  SeverityError,
		Title:     "webhook dead-lettered",
		Message:   fmt.Sprintf("event gave up after %d attempts: %s", ev.Attempts, ev.Error),
		EventID:   ev.EventID,
		EventType: ev.EventType,
		TenantID:  ev.TenantID,
		At:        time.Now().UTC(),
	}
}
