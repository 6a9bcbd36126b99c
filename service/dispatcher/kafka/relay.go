package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"chatnow/logger"
	"chatnow/service/relay"
	"chatnow/tools/errs"
	"chatnow/tools/safe"
)

// Relay publishes envelopes to one topic keyed by conversation, and consumes
// it with a consumer group of its own so every node sees every envelope.
type Relay struct {
	cfg      Config
	node     string
	client   sarama.Client
	producer sarama.SyncProducer

	mu     sync.Mutex
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRelay(c Config, node string) (*Relay, error) {
	c.Norm()
	if len(c.Brokers) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("kafka brokers missing")
	}
	scfg, err := BuildSaramaConfig(c)
	if err != nil {
		return nil, err
	}
	if c.AutoCreateTopic {
		if err := EnsureTopic(c, scfg); err != nil {
			return nil, err
		}
	}
	client, err := sarama.NewClient(c.Brokers, scfg)
	if err != nil {
		return nil, errs.ErrUpstreamUnavailable.WrapMsg("kafka client", "err", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errs.ErrUpstreamUnavailable.WrapMsg("kafka producer", "err", err)
	}
	return &Relay{cfg: c, node: node, client: client, producer: producer}, nil
}

func (r *Relay) Publish(_ context.Context, env relay.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(err)
	}
	msg := &sarama.ProducerMessage{
		Topic: r.cfg.Topic,
		Key:   sarama.StringEncoder(env.Key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("node"), Value: []byte(env.Node)},
			{Key: []byte("kind"), Value: []byte(env.Kind)},
		},
	}
	if _, _, err := r.producer.SendMessage(msg); err != nil {
		return errs.ErrUpstreamUnavailable.WrapMsg("kafka send", "topic", r.cfg.Topic, "err", err)
	}
	return nil
}

func (r *Relay) Subscribe(ctx context.Context, h relay.Handler) error {
	group, err := sarama.NewConsumerGroupFromClient(r.cfg.GroupPrefix+r.node, r.client)
	if err != nil {
		return errs.ErrUpstreamUnavailable.WrapMsg("kafka consumer group", "err", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.group, r.cancel = group, cancel
	r.mu.Unlock()

	r.wg.Add(2)
	safe.Go("kafka-errors", func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			logger.Warn("kafka consumer group", zap.Error(err))
		}
	})
	handler := &groupHandler{node: r.node, h: h}
	safe.Go("kafka-consume", func() {
		defer r.wg.Done()
		for ctx.Err() == nil {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, handler); err != nil {
				logger.Warn("kafka consume", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
		}
	})
	return nil
}

func (r *Relay) Close() error {
	r.mu.Lock()
	group, cancel := r.group, r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Close()
	}
	r.wg.Wait()
	_ = r.producer.Close()
	return r.client.Close()
}

type groupHandler struct {
	node string
	h    relay.Handler
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		g.handle(session.Context(), msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (g *groupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	defer safe.Recover("kafka handler")
	for _, hd := range msg.Headers {
		if hd != nil && string(hd.Key) == "node" && string(hd.Value) == g.node {
			return
		}
	}
	var env relay.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		logger.Warn("kafka relay: bad envelope", zap.String("topic", msg.Topic), zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}
	g.h(ctx, env)
}

var _ relay.Relay = (*Relay)(nil)
