// Package busadapter implements the publish/subscribe message bus the
// gateway uses to talk to the bot fleet, backed by Redis pub/sub.
package busadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pingInterval    = 30 * time.Second
	maxReconnectTry = 10
)

// Config holds connection parameters for the bus adapter.
type Config struct {
	Addr         string
	Password     string
	DB           int
	MaxQueueSize int // offline send-queue cap; 0 means unbounded
}

// Handler processes a decoded envelope received on a subscribed channel.
type Handler func(Envelope)

// Adapter wraps a Redis client with reconnect-with-backoff, an offline
// send-queue, and the broker-library "character-array" decode workaround.
type Adapter struct {
	cfg Config

	mu        sync.Mutex
	rdb       *redis.Client
	connected bool
	attempt   int
	queue     []queuedPublish

	subsMu sync.Mutex
	subs   map[string][]Handler

	stopCh chan struct{}
	once   sync.Once
}

type queuedPublish struct {
	channel string
	payload []byte
}

// New creates a bus adapter. Call Start to dial and begin the health loop.
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:    cfg,
		subs:   make(map[string][]Handler),
		stopCh: make(chan struct{}),
	}
}

// Start dials Redis and begins the 30s ping health task and reconnect loop.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.dial(ctx); err != nil {
		log.Printf("busadapter: initial connect failed, will retry: %v", err)
		go a.reconnectLoop(ctx)
	} else {
		go a.pingLoop(ctx)
	}
	return nil
}

func (a *Adapter) dial(ctx context.Context) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Addr,
		Password: a.cfg.Password,
		DB:       a.cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("busadapter: ping: %w", err)
	}

	a.mu.Lock()
	a.rdb = rdb
	a.connected = true
	a.attempt = 0
	a.mu.Unlock()

	a.resubscribeAll(ctx)
	a.drainQueue(ctx)
	return nil
}

// Stop releases the Redis connection and stops background tasks.
func (a *Adapter) Stop() {
	a.once.Do(func() { close(a.stopCh) })
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	a.connected = false
}

// Publish wraps payload in {type, payload, timestamp} and sends it to the
// channel resolved from the fixed event-type->channel table, or the
// explicit channel if provided. Publish never raises to the caller: any
// failure is logged and false is returned.
func (a *Adapter) Publish(eventType string, data any, channel ...string) bool {
	ch := ""
	if len(channel) > 0 && channel[0] != "" {
		ch = channel[0]
	} else if resolved, ok := channelFor(eventType); ok {
		ch = resolved
	} else {
		log.Printf("busadapter: publish %q has no resolvable channel and none was supplied", eventType)
		return false
	}

	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("busadapter: publish %q: marshal payload: %v", eventType, err)
		return false
	}

	env := Envelope{Type: eventType, Payload: payload, Timestamp: time.Now().UnixMilli()}
	body, err := json.Marshal(env)
	if err != nil {
		log.Printf("busadapter: publish %q: marshal envelope: %v", eventType, err)
		return false
	}

	a.mu.Lock()
	connected := a.connected
	rdb := a.rdb
	a.mu.Unlock()

	if !connected {
		a.enqueueOffline(ch, body)
		return false
	}

	if err := rdb.Publish(context.Background(), ch, body).Err(); err != nil {
		log.Printf("busadapter: publish to %s failed: %v", ch, err)
		a.enqueueOffline(ch, body)
		return false
	}
	return true
}

func (a *Adapter) enqueueOffline(channel string, body []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg.MaxQueueSize > 0 && len(a.queue) >= a.cfg.MaxQueueSize {
		a.queue = a.queue[1:] // drop oldest rather than grow unbounded
	}
	a.queue = append(a.queue, queuedPublish{channel: channel, payload: body})
}

func (a *Adapter) drainQueue(ctx context.Context) {
	a.mu.Lock()
	pending := a.queue
	a.queue = nil
	rdb := a.rdb
	a.mu.Unlock()

	for _, p := range pending {
		if err := rdb.Publish(ctx, p.channel, p.payload).Err(); err != nil {
			log.Printf("busadapter: drain publish to %s failed: %v", p.channel, err)
			a.enqueueOffline(p.channel, p.payload)
		}
	}
}

// Subscribe decodes incoming messages as Envelopes and invokes handler for
// each. Handler panics/errors are caught and logged, never propagated.
func (a *Adapter) Subscribe(ctx context.Context, channel string, handler Handler) {
	a.subsMu.Lock()
	a.subs[channel] = append(a.subs[channel], handler)
	a.subsMu.Unlock()

	a.mu.Lock()
	rdb := a.rdb
	connected := a.connected
	a.mu.Unlock()
	if connected {
		a.runSubscription(ctx, channel, rdb)
	}
}

func (a *Adapter) resubscribeAll(ctx context.Context) {
	a.subsMu.Lock()
	channels := make([]string, 0, len(a.subs))
	for ch := range a.subs {
		channels = append(channels, ch)
	}
	a.subsMu.Unlock()

	a.mu.Lock()
	rdb := a.rdb
	a.mu.Unlock()

	for _, ch := range channels {
		go a.runSubscription(ctx, ch, rdb)
	}
}

func (a *Adapter) runSubscription(ctx context.Context, channel string, rdb *redis.Client) {
	pubsub := rdb.Subscribe(ctx, channel)
	msgs := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				a.dispatch(channel, []byte(msg.Payload))
			}
		}
	}()
}

func (a *Adapter) dispatch(channel string, raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		log.Printf("busadapter: decode message on %s: %v", channel, err)
		return
	}

	a.subsMu.Lock()
	handlers := append([]Handler(nil), a.subs[channel]...)
	a.subsMu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("busadapter: subscribe handler on %s panicked: %v", channel, r)
				}
			}()
			h(env)
		}()
	}
}

// decodeEnvelope applies the broker-library character-array compatibility
// workaround before parsing: if the raw payload decodes as a dictionary
// whose keys are consecutive non-negative integer strings ("0","1",...)
// and whose values are single characters, it is reassembled into a string
// and re-parsed as the real envelope.
func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Type != "" {
		return env, nil
	}

	if reassembled, ok := reassembleCharArray(raw); ok {
		if err := json.Unmarshal(reassembled, &env); err == nil {
			return env, nil
		}
	}

	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

func reassembleCharArray(raw []byte) ([]byte, bool) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	if len(generic) == 0 {
		return nil, false
	}

	chars := make([]byte, len(generic))
	for i := range chars {
		v, ok := generic[strconv.Itoa(i)]
		if !ok {
			return nil, false
		}
		s, ok := v.(string)
		if !ok || len(s) != 1 {
			return nil, false
		}
		chars[i] = s[0]
	}
	return chars, true
}

func (a *Adapter) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.mu.Lock()
			rdb := a.rdb
			a.mu.Unlock()
			if rdb == nil {
				continue
			}
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Printf("busadapter: ping failed, reconnecting: %v", err)
				a.mu.Lock()
				a.connected = false
				a.mu.Unlock()
				go a.reconnectLoop(ctx)
				return
			}
		}
	}
}

func (a *Adapter) reconnectLoop(ctx context.Context) {
	for attempt := 0; attempt < maxReconnectTry; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		default:
		}

		delay := backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-time.After(delay):
		}

		if err := a.dial(ctx); err != nil {
			log.Printf("busadapter: reconnect attempt %d failed: %v", attempt+1, err)
			continue
		}
		log.Printf("busadapter: reconnected after %d attempt(s)", attempt+1)
		go a.pingLoop(ctx)
		return
	}
	log.Printf("busadapter: giving up reconnecting after %d attempts", maxReconnectTry)
}

func backoffDelay(attempt int) time.Duration {
	ms := 1000 * (1 << attempt)
	if ms > 30000 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}
