package kafka

import (
	"errors"
	"strconv"
	"strings"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"chatnow/logger"
	"chatnow/tools/errs"
)

// EnsureTopic creates the relay topic if it is missing. Existing topics are
// left as they are.
func EnsureTopic(c Config, cfg *sarama.Config) error {
	admin, err := sarama.NewClusterAdmin(c.Brokers, cfg)
	if err != nil {
		return errs.ErrUpstreamUnavailable.WrapMsg("kafka cluster admin", "err", err)
	}
	defer func() {
		if e := admin.Close(); e != nil {
			logger.Warn("close cluster admin", zap.Error(e))
		}
	}()

	existing, err := admin.ListTopics()
	if err != nil {
		return errs.ErrUpstreamUnavailable.WrapMsg("kafka list topics", "err", err)
	}
	if _, ok := existing[c.Topic]; ok {
		return nil
	}
	detail := &sarama.TopicDetail{
		NumPartitions:     c.Partitions,
		ReplicationFactor: c.ReplicationFactor,
		ConfigEntries:     topicConfig(c.ReplicationFactor),
	}
	if err := admin.CreateTopic(c.Topic, detail, false); err != nil && !isTopicExistsErr(err) {
		return errs.ErrUpstreamUnavailable.WrapMsg("kafka create topic", "topic", c.Topic, "err", err)
	}
	logger.Info("kafka topic created", zap.String("topic", c.Topic), zap.Int32("partitions", c.Partitions))
	return nil
}

func topicConfig(rep int16) map[string]*string {
	minISR := "1"
	if rep > 1 {
		minISR = strconv.Itoa(int(rep - 1))
	}
	return map[string]*string{
		"cleanup.policy":                 ptr("delete"),
		"retention.ms":                   ptr(strconv.Itoa(24 * 60 * 60 * 1000)),
		"min.insync.replicas":            ptr(minISR),
		"unclean.leader.election.enable": ptr("false"),
	}
}

func ptr[T any](v T) *T { return &v }

func isTopicExistsErr(err error) bool {
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return true
	}
	var te *sarama.TopicError
	if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
