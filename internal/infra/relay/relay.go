// Package relay bridges the local notification hub to peer nodes over
// redis pub/sub. Every node publishes its events onto one shared
// channel tagged with its node id and replays what the others publish
// into its own hub, so a requester streaming from node A still sees
// progress reported through node B. Envelopes are signed with the
// node's key; a tampered payload is dropped, not replayed.
package relay

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scalerize/infinitegpu/internal/domain"
	"github.com/scalerize/infinitegpu/internal/security"
)

// Config configures the redis relay.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// DefaultConfig returns relay defaults; the relay stays disabled until
// the daemon config supplies an address.
func DefaultConfig() Config {
	return Config{
		Addr:    "localhost:6379",
		Channel: "infinitegpu.events",
	}
}

// envelope wraps an event with its origin node so receivers can drop
// their own echoes. The event stays raw so the signature covers the
// exact bytes the sender signed. For key-derived node ids the key also
// binds the envelope to its origin.
type envelope struct {
	Origin string          `json:"origin"`
	Key    string          `json:"key,omitempty"`
	Sig    string          `json:"sig,omitempty"`
	Event  json.RawMessage `json:"event"`
}

// Relay is a domain.EventSink that mirrors events across nodes.
type Relay struct {
	client  *redis.Client
	channel string
	nodeID  string
	keypair *security.Keypair
	local   domain.EventSink

	in     chan domain.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published atomic.Int64
	received  atomic.Int64
	skipped   atomic.Int64
	dropped   atomic.Int64
	badSig    atomic.Int64
}

// Connect dials redis, verifies connectivity, and starts the publish
// and subscribe loops. Remote events are replayed into local. A nil
// keypair sends unsigned envelopes.
func Connect(cfg Config, nodeID string, kp *security.Keypair, local domain.EventSink) (*Relay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultConfig().Channel
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		client:  client,
		channel: cfg.Channel,
		nodeID:  nodeID,
		keypair: kp,
		local:   local,
		in:      make(chan domain.Event, 256),
		cancel:  cancel,
	}

	r.wg.Add(2)
	go r.publishLoop(ctx)
	go r.subscribeLoop(ctx)

	log.Printf("[relay] connected to %s, channel %s", cfg.Addr, cfg.Channel)
	return r, nil
}

// Close stops both loops and releases the client.
func (r *Relay) Close() {
	r.cancel()
	r.wg.Wait()
	r.client.Close()
}

// Publish queues an event for the shared channel. Never blocks.
func (r *Relay) Publish(evt domain.Event) {
	select {
	case r.in <- evt:
	default:
		r.dropped.Add(1)
		log.Printf("[relay] dropped %s on %s (buffer full)", evt.Type, evt.Topic)
	}
}

func (r *Relay) publishLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case evt := <-r.in:
			data, err := json.Marshal(r.seal(evt))
			if err != nil {
				log.Printf("[relay] marshal event: %v", err)
				continue
			}
			if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[relay] publish: %v", err)
				continue
			}
			r.published.Add(1)
		case <-ctx.Done():
			return
		}
	}
}

// seal wraps one event for the wire, signing it when a key is present.
func (r *Relay) seal(evt domain.Event) envelope {
	eventData, err := json.Marshal(evt)
	if err != nil {
		// Events come from our own code; payloads are plain data.
		log.Printf("[relay] marshal %s: %v", evt.Type, err)
	}
	env := envelope{Origin: r.nodeID, Event: eventData}
	if r.keypair != nil {
		env.Key = r.keypair.PublicKeyHex()
		env.Sig = hex.EncodeToString(r.keypair.Sign(eventData))
	}
	return env
}

func (r *Relay) subscribeLoop(ctx context.Context) {
	defer r.wg.Done()
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handlePayload([]byte(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

// handlePayload replays one wire message into the local hub unless this
// node produced it. Signed envelopes that fail verification are dropped.
func (r *Relay) handlePayload(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[relay] bad payload: %v", err)
		return
	}
	if env.Origin == r.nodeID {
		r.skipped.Add(1)
		return
	}
	if env.Sig != "" {
		key, keyErr := hex.DecodeString(env.Key)
		sig, sigErr := hex.DecodeString(env.Sig)
		if keyErr != nil || sigErr != nil || len(key) != ed25519.PublicKeySize ||
			!security.Verify(env.Event, sig, key) {
			r.badSig.Add(1)
			log.Printf("[relay] dropping envelope from %s: bad signature", env.Origin)
			return
		}
	}

	var evt domain.Event
	if err := json.Unmarshal(env.Event, &evt); err != nil {
		log.Printf("[relay] bad event from %s: %v", env.Origin, err)
		return
	}
	r.received.Add(1)
	if r.local != nil {
		r.local.Publish(evt)
	}
}

// Stats summarizes relay traffic since process start.
type Stats struct {
	Published     int64 `json:"published_total"`
	Received      int64 `json:"received_total"`
	Skipped       int64 `json:"skipped_total"`
	Dropped       int64 `json:"dropped_total"`
	BadSignatures int64 `json:"bad_signatures_total"`
}

// Stats returns relay counters for status endpoints.
func (r *Relay) Stats() Stats {
	return Stats{
		Published:     r.published.Load(),
		Received:      r.received.Load(),
		Skipped:       r.skipped.Load(),
		Dropped:       r.dropped.Load(),
		BadSignatures: r.badSig.Load(),
	}
}
