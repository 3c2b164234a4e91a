// Package events ships bus events to Redis pub/sub so other relay instances
// and dashboards can follow tunnel activity.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/matst80/revtun/internal/obs"
	"github.com/redis/go-redis/v9"
)

// publishClient is the subset of *redis.Client used here.
type publishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Envelope is the JSON document published for every event.
type Envelope struct {
	Event    string     `json:"event"`
	Instance string     `json:"instance"`
	At       time.Time  `json:"at"`
	Fields   obs.Fields `json:"fields,omitempty"`
}

// RedisPublisher implements obs.Publisher. Publish only enqueues; a single
// goroutine drains the queue so a slow Redis never blocks a tunnel server.
// Events are dropped when the queue is full.
type RedisPublisher struct {
	client   publishClient
	channel  string
	instance string
	timeout  time.Duration

	queue     chan Envelope
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func NewRedisPublisher(client publishClient, channel, instance string, buffer int) *RedisPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	p := &RedisPublisher{
		client:   client,
		channel:  channel,
		instance: instance,
		timeout:  2 * time.Second,
		queue:    make(chan Envelope, buffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *RedisPublisher) Publish(event string, f obs.Fields) {
	env := Envelope{Event: event, Instance: p.instance, At: time.Now().UTC(), Fields: f}
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- env:
	default:
		obs.EventsDroppedTotal.Inc()
	}
}

func (p *RedisPublisher) run() {
	defer close(p.stopped)
	for {
		select {
		case env := <-p.queue:
			p.send(env)
		case <-p.done:
			for {
				select {
				case env := <-p.queue:
					p.send(env)
				default:
					return
				}
			}
		}
	}
}

func (p *RedisPublisher) send(env Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		obs.Error("events.marshal", obs.Fields{"err": err.Error(), "event": env.Event})
		obs.ErrorsTotal.WithLabelValues("event_marshal").Inc()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, b).Err(); err != nil {
		obs.Error("events.publish", obs.Fields{"err": err.Error(), "event": env.Event, "channel": p.channel})
		obs.ErrorsTotal.WithLabelValues("event_publish").Inc()
	}
}

// Close stops accepting events and waits until the queued ones are sent.
func (p *RedisPublisher) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	<-p.stopped
}
