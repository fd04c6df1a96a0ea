package broker

import (
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

type pooledChannel struct {
	channel     *amqp.Channel
	notifyClose chan *amqp.Error
	confirms    chan amqp.Confirmation
}

func (r *rabbitMqBroker) newConnection() (*amqp.Connection, error) {
	conn, err := amqp.Dial(r.settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			r.logger.Warn("RabbitMQ connection closed", zap.Error(err))
		}
	}()

	return conn, nil
}

func newPooledChannel(connection *amqp.Connection) (*pooledChannel, error) {
	channel, err := connection.Channel()
	if err != nil {
		return nil, err
	}
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return &pooledChannel{
		channel:     channel,
		notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
		confirms:    channel.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	connection, err := r.newConnection()
	if err != nil {
		return err
	}
	r.connection = connection

	// Replace the channel pool; channels of the old connection are dead.
	r.channelPool = make(chan *pooledChannel, r.settings.PoolSize)
	for i := 0; i < r.settings.PoolSize; i++ {
		pooledChan, err := newPooledChannel(connection)
		if err != nil {
			return err
		}
		r.channelPool <- pooledChan
	}

	r.logger.Info("RabbitMQ connection and channel pool initialized", zap.Int("pool_size", r.settings.PoolSize))
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			if r.connection == nil || r.connection.IsClosed() {
				r.logger.Info("Attempting to reconnect to RabbitMQ...")
				if err := r.connectAndInitialize(); err != nil {
					r.logger.Error("Failed to reconnect to RabbitMQ", zap.Error(err))
				} else {
					r.logger.Info("Reconnected to RabbitMQ successfully")
				}
			}
		case <-r.stopReconnect:
			r.logger.Info("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	r.mu.Lock()
	pool, connection := r.channelPool, r.connection
	r.mu.Unlock()

	for {
		select {
		case pooledChan := <-pool:
			select {
			case err := <-pooledChan.notifyClose:
				r.logger.Debug("Discarding closed channel", zap.Error(err))
				continue
			default:
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			return newPooledChannel(connection)
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	r.mu.Lock()
	pool := r.channelPool
	r.mu.Unlock()

	select {
	case err := <-pooledChan.notifyClose:
		r.logger.Debug("Discarding closed channel", zap.Error(err))
		return
	default:
		select {
		case pool <- pooledChan:
		default:
			// Pool is full, close the channel
			pooledChan.channel.Close()
		}
	}
}
