package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"OptionVault/internal/command"
	"OptionVault/internal/core"
	"OptionVault/internal/event"
	"OptionVault/internal/observability"
	"OptionVault/internal/vaulterr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Submitter hands a command to the engine goroutine. core.Dispatcher
// implements it.
type Submitter interface {
	Submit(ctx context.Context, cmd command.Command) (event.Payload, error)
}

// Stream names.
const (
	CommandStream = "VAULT_COMMANDS"
	MarketStream  = "VAULT_MARKET"
	EventStream   = "VAULT_EVENTS"
)

// SubjectConfig binds one subject to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
	MarketStats  bool
}

// DefaultSubjects returns one consumer per command type plus the market
// statistics feed on marketPrefix.stats.
func DefaultSubjects(marketPrefix string) []SubjectConfig {
	var subjects []SubjectConfig
	for _, typ := range command.AllTypes {
		if typ == command.TypeRecordMarketStats {
			continue
		}
		subjects = append(subjects, SubjectConfig{
			Subject:      CommandSubject(typ),
			ConsumerName: "vault-" + typ.String(),
			StreamName:   CommandStream,
		})
	}
	return append(subjects, SubjectConfig{
		Subject:      marketPrefix + ".stats",
		ConsumerName: "vault-market-stats",
		StreamName:   MarketStream,
		MarketStats:  true,
	})
}

// Outcome of handling one message.
type Outcome int

const (
	OutcomeAck  Outcome = iota // applied or rejected by the vault for good
	OutcomeNak                 // not handed to the engine, redeliver
	OutcomeTerm                // malformed, never redeliver
)

// NATSSubscriber consumes command and market subjects and submits the
// parsed commands to the engine.
type NATSSubscriber struct {
	js        jetstream.JetStream
	submitter Submitter
	feeder    common.Address
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, submitter Submitter, feeder common.Address, metrics *observability.Metrics) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		submitter: submitter,
		feeder:    feeder,
		metrics:   metrics,
		logger:    observability.NewLogger("ingestion"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		marketStats := cfg.MarketStats
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{Subject: msg.Subject(), Data: msg.Data(), Received: time.Now()}
			switch ns.Handle(ctx, raw, marketStats) {
			case OutcomeAck:
				msg.Ack()
			case OutcomeNak:
				msg.Nak()
			case OutcomeTerm:
				msg.Term()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// Handle parses and submits one message and says how to acknowledge it.
func (ns *NATSSubscriber) Handle(ctx context.Context, raw RawMessage, marketStats bool) Outcome {
	var (
		cmd command.Command
		err error
	)
	if marketStats {
		cmd, err = ParseMarketStats(raw, ns.feeder)
	} else {
		cmd, err = ParseCommand(raw)
	}
	if err != nil {
		ns.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed message")
		return OutcomeTerm
	}

	_, err = ns.submitter.Submit(ctx, cmd)
	if ns.metrics != nil {
		ns.metrics.IngestToApply.WithLabelValues(cmd.CommandType().String()).
			Observe(time.Since(raw.Received).Seconds())
	}

	switch {
	case err == nil:
		return OutcomeAck
	case errors.Is(err, core.ErrDispatcherStopped), errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeNak
	case errors.Is(err, vaulterr.ErrUnavailable):
		ns.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dedup store unavailable, redelivering")
		return OutcomeNak
	case errors.Is(err, vaulterr.ErrDuplicate):
		ns.logger.Debug().Str("subject", raw.Subject).Str("key", cmd.IdempotencyKey()).Msg("duplicate delivery")
		return OutcomeAck
	default:
		ns.logger.Info().Err(err).
			Str("command", cmd.CommandType().String()).
			Str("kind", vaulterr.Kind(err)).
			Msg("command rejected")
		return OutcomeAck
	}
}

// EnsureStreams creates the inbound and outbound streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, marketPrefix string) error {
	streams := []jetstream.StreamConfig{
		{Name: CommandStream, Subjects: []string{CommandSubjectPrefix + ">"}},
		{Name: MarketStream, Subjects: []string{marketPrefix + ".>"}},
		{Name: EventStream, Subjects: []string{EventSubjectPrefix + ">"}},
	}
	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
