// Package messaging publishes pool events to Kafka: operator alerts as
// protobuf messages and block-found events as JSON.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/coinpool/pkg/circuit"
	"github.com/bardlex/coinpool/pkg/errors"
	"github.com/bardlex/coinpool/pkg/log"
	"github.com/bardlex/coinpool/pkg/retry"
)

var fastJSON = sonic.ConfigDefault

// messageWriter is the part of *kafka.Writer the client uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient keeps one writer per topic behind a shared circuit breaker.
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]messageWriter
	writersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config

	newWriter func(topic string) messageWriter
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	cbConfig := &circuit.Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	k := &KafkaClient{
		brokers:        brokers,
		logger:         log.OrNop(logger).WithComponent("kafka"),
		writers:        make(map[string]messageWriter),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DefaultConfig(),
	}
	k.newWriter = k.kafkaWriter
	return k
}

func (k *KafkaClient) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
}

// producer gets or creates the writer for a topic
func (k *KafkaClient) producer(topic string) messageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, "publish_message", topic, key, data)
}

// PublishJSON marshals v with sonic and publishes it to Kafka
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := fastJSON.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal JSON message").
			WithContext("topic", topic)
	}
	return k.publish(ctx, "publish_json", topic, key, data)
}

func (k *KafkaClient) publish(ctx context.Context, op, topic, key string, data []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.producer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, op,
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// Close closes all producers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]messageWriter)
	return lastErr
}
