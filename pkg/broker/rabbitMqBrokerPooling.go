package broker

import (
	"fmt"

	"github.com/streadway/amqp"
)

// pooledChannel pairs a channel with its close notifications so stale
// channels are caught at checkout rather than at publish time.
type pooledChannel struct {
	channel     *amqp.Channel
	notifyClose chan *amqp.Error
}

// connectAndInitialize (re)dials the broker, declares the exchange and
// refills the channel pool. mu keeps a concurrent reconnect from racing
// the pool swap.
func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	conn, err := amqp.Dial(r.settings.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	connClosed := make(chan *amqp.Error)
	conn.NotifyClose(connClosed)
	go func() {
		for closeErr := range connClosed {
			r.log.WithError(closeErr).Warn("connection closed")
		}
	}()
	r.connection = conn

	// Channels pooled against the previous connection are dead weight.
	close(r.channelPool)
	for stale := range r.channelPool {
		stale.channel.Close()
	}
	r.channelPool = make(chan *pooledChannel, r.settings.PoolSize)

	setup, err := conn.Channel()
	if err != nil {
		return err
	}
	defer setup.Close()

	if err := declareExchange(setup, r.settings.Exchange); err != nil {
		return err
	}

	for i := 0; i < r.settings.PoolSize; i++ {
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		r.channelPool <- &pooledChannel{
			channel:     ch,
			notifyClose: ch.NotifyClose(make(chan *amqp.Error)),
		}
	}

	r.log.WithField("pool_size", r.settings.PoolSize).Info("connection and channel pool ready")
	return nil
}

// reconnectLoop re-establishes the connection whenever the ticker finds it
// closed. Consumer channels are not replayed; subscribers resubscribe on
// channel loss.
func (r *rabbitMqBroker) reconnectLoop() {
	for {
		select {
		case <-r.reconnectTicker.C:
			if r.connection == nil || r.connection.IsClosed() {
				if err := r.connectAndInitialize(); err != nil {
					r.log.WithError(err).Error("reconnect failed")
				} else {
					r.log.Info("reconnected")
				}
			}
		case <-r.stopReconnect:
			return
		}
	}
}

// getChannel checks out a pooled channel, discarding any that closed while
// idle. An empty pool opens a fresh channel instead of blocking the
// publisher.
func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-r.channelPool:
			if pooledChan == nil {
				// Pool was swapped by a reconnect.
				continue
			}
			select {
			case closeErr := <-pooledChan.notifyClose:
				r.log.WithError(closeErr).Debug("discarding closed channel")
				continue
			default:
				return pooledChan, nil
			}
		default:
			ch, err := r.connection.Channel()
			if err != nil {
				return nil, err
			}
			return &pooledChannel{
				channel:     ch,
				notifyClose: ch.NotifyClose(make(chan *amqp.Error)),
			}, nil
		}
	}
}

// releaseChannel returns a healthy channel to the pool, closing it when the
// pool is already full.
func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case closeErr := <-pooledChan.notifyClose:
		r.log.WithError(closeErr).Debug("discarding closed channel")
	default:
		select {
		case r.channelPool <- pooledChan:
		default:
			pooledChan.channel.Close()
		}
	}
}
