package broadcast

import (
	"context"

	sarama "github.com/IBM/sarama"
)

// KafkaBackplane implements Backplane over a single-partition Kafka topic.
// Every node consumes from the newest offset, so a node only sees events
// published after it subscribed.
type KafkaBackplane struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string
	closer   func() error
}

// NewKafkaBackplane wraps an existing producer and consumer.
func NewKafkaBackplane(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBackplane {
	if topic == "" {
		topic = "adlock-events"
	}
	return &KafkaBackplane{producer: producer, consumer: consumer, topic: topic}
}

// DialKafka connects to brokers and returns a backplane owning its client.
func DialKafka(brokers []string, cfg *sarama.Config, topic string) (*KafkaBackplane, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewKafkaBackplane(producer, consumer, topic)
	b.closer = client.Close
	return b, nil
}

// Publish implements Backplane.Publish.
func (b *KafkaBackplane) Publish(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{Topic: b.topic, Value: sarama.ByteEncoder(msg)})
	return err
}

// Subscribe implements Backplane.Subscribe.
func (b *KafkaBackplane) Subscribe(ctx context.Context) (<-chan []byte, error) {
	pc, err := b.consumer.ConsumePartition(b.topic, 0, sarama.OffsetNewest)
	if err != nil {
		return nil, err
	}
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer pc.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-pc.Messages():
				if !ok {
					return
				}
				select {
				case out <- m.Value:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close implements Backplane.Close.
func (b *KafkaBackplane) Close() error {
	_ = b.producer.Close()
	_ = b.consumer.Close()
	if b.closer != nil {
		return b.closer()
	}
	return nil
}
