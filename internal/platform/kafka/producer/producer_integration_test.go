//go:build integration

package producer_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"accredit/internal/platform/kafka/admin"
	"accredit/internal/platform/kafka/consumer"
	"accredit/internal/platform/kafka/producer"
	"accredit/internal/platform/logger"
	"accredit/pkg/platform/outbox"
	"accredit/pkg/testutil/containers"
)

type KafkaSuite struct {
	suite.Suite
	broker *containers.RedpandaContainer
}

func TestKafkaSuite(t *testing.T) {
	suite.Run(t, new(KafkaSuite))
}

func (s *KafkaSuite) SetupSuite() {
	s.broker = containers.GetManager().GetRedpanda(s.T())
}

func (s *KafkaSuite) TestOutboxMirrorRoundTrip() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	topic := "accredit.events." + uuid.NewString()[:8]
	s.Require().NoError(admin.EnsureTopics(ctx, s.broker.Brokers, 1, topic))
	s.Require().NoError(admin.EnsureTopics(ctx, s.broker.Brokers, 1, topic), "existing topics are accepted")

	p, err := producer.New(s.broker.Brokers, logger.Discard())
	s.Require().NoError(err)
	defer p.Close()

	entry := outbox.NewEntry("certificate", "learner|course", "CertAwarded", []byte(`{"type":"CertAwarded"}`), time.Now())
	s.Require().NoError(producer.NewOutboxPublisher(p, topic).Publish(ctx, entry))

	got := make(chan *consumer.Message, 1)
	router := consumer.NewRouter(logger.Discard(), nil)
	router.Register(topic, consumer.HandlerFunc(func(_ context.Context, msg *consumer.Message) error {
		got <- msg
		return nil
	}))
	c, err := consumer.New(s.broker.Brokers, "accredit-test-"+topic, router.Topics(), router, logger.Discard())
	s.Require().NoError(err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	select {
	case msg := <-got:
		s.Equal("learner|course", string(msg.Key))
		s.Equal("CertAwarded", msg.Headers["event_type"])
		s.Equal(entry.ID.String(), msg.Headers["event_id"])
		s.JSONEq(`{"type":"CertAwarded"}`, string(msg.Value))
	case <-ctx.Done():
		s.Fail("no record consumed")
	}
	stop()
	<-done
}
