// Package relay implements an SMTP relay: it accepts inbound mail over TCP,
// validates and stores it into a durable queue, and asynchronously delivers
// queued outbound messages to their destination mail exchangers.
package relay

import (
	"context"
	"net"
	"time"

	"github.com/mailchannels/relay/backends"
	"github.com/mailchannels/relay/log"
)

// App ties the listener, the sender loop and the store together
type App struct {
	Config *AppConfig
	Logger log.Logger
	Store  backends.Store

	events   *EventHandler
	server   *Server
	sender   *Sender
	cancel   context.CancelFunc
	doneSend chan struct{}
}

// storeRetryInterval is how long the app waits before retrying a failed
// store initialization
const storeRetryInterval = 5 * time.Second

// New wires an App from its configuration. The store still gets initialized
// in Start.
func New(cfg *AppConfig, logger log.Logger) (*App, error) {
	cfg.setDefaults()

	store, err := backends.New(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config: cfg,
		Logger: logger,
		Store:  store,
		events: NewEventHandler(),
	}

	resolver := net.DefaultResolver
	deliverer := NewDeliverer(cfg.Hostname, resolver, cfg.timeout(), logger)
	app.server = NewServer(cfg, store, resolver, app.events, logger)
	app.sender = NewSender(store, deliverer, cfg.sendInterval(), logger)
	return app, nil
}

// Subscribe registers an event handler on the app's bus
func (a *App) Subscribe(topic Event, fn interface{}) error {
	return a.events.Subscribe(topic, fn)
}

// Publish emits an event on the app's bus
func (a *App) Publish(topic Event, args ...interface{}) {
	a.events.Publish(topic, args...)
}

// Start initializes the store (retrying until it is reachable), then starts
// the listener and the sender loop in the background. It returns without
// waiting for the listener to bind; a listen failure is only logged.
func (a *App) Start() error {
	for {
		err := a.Store.Initialize(a.Config.Backend)
		if err == nil {
			break
		}
		a.Logger.WithError(err).Error("Error initializing the store, retrying")
		time.Sleep(storeRetryInterval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.doneSend = make(chan struct{})

	if err := a.Subscribe(EventQueueOutbound, a.sender.Nudge); err != nil {
		return err
	}

	go func() {
		defer close(a.doneSend)
		a.sender.Run(ctx)
	}()
	go func() {
		if err := a.server.Start(); err != nil {
			a.Logger.WithError(err).Error("Server stopped")
		}
	}()
	return nil
}

// Shutdown stops the listener and waits for the sender cycle in flight
func (a *App) Shutdown() {
	a.server.Shutdown()
	if a.cancel != nil {
		a.cancel()
		<-a.doneSend
	}
	if err := a.Store.Shutdown(); err != nil {
		a.Logger.WithError(err).Error("Error shutting down the store")
	}
}
