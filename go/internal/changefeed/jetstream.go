package changefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/kv"
)

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep messages
	MaxMsgs         int64         // Max number of messages to keep
	Replicas        int           // Number of replicas for the stream
	DuplicateWindow time.Duration // Window for duplicate detection

	ConsumerName  string
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
	NakDelay      time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "CATALOG_CHANGES",
		SubjectPrefix:   "catalog.changes",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		MaxMsgs:         -1,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
		ConsumerName:    "catalog-mirror",
		AckWait:         30 * time.Second,
		MaxDeliver:      20,
		MaxAckPending:   256,
		NakDelay:        5 * time.Second,
	}
}

// Connect opens a NATS connection with the reconnect handling every feed
// component shares.
func Connect(cfg JetStreamConfig) (*nats.Conn, jetstream.JetStream, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates the change stream or updates it when its limits changed.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig) error {
	sc := jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Committed catalog changes",
		Subjects:    []string{fmt.Sprintf("%s.>", cfg.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		MaxMsgs:     cfg.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.DuplicateWindow,
	}

	stream, err := js.Stream(ctx, cfg.StreamName)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if _, err = js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", cfg.StreamName).Msg("created JetStream stream")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !isStreamConfigEqual(info.Config, sc) {
		if _, err = js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", cfg.StreamName).Msg("updated JetStream stream")
	}
	return nil
}

func isStreamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}

// JetStreamPublisher publishes changes with the change id as message id, so
// the stream drops duplicates from outbox retries.
type JetStreamPublisher struct {
	js  jetstream.JetStream
	cfg JetStreamConfig
}

func NewJetStreamPublisher(js jetstream.JetStream, cfg JetStreamConfig) *JetStreamPublisher {
	return &JetStreamPublisher{js: js, cfg: cfg}
}

func (p *JetStreamPublisher) Publish(ctx context.Context, ev kv.ChangeEvent) error {
	subject := Subject(p.cfg.SubjectPrefix, ev)
	data, err := Encode(ev)
	if err != nil {
		return err
	}

	ack, err := p.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Entity-Type": []string{string(ev.Type)},
			"Change-ID":   []string{ev.ID},
			"Change-Op":   []string{string(ev.Op)},
		},
	},
		jetstream.WithMsgID(ev.ID),
		jetstream.WithExpectStream(p.cfg.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("change_id", ev.ID).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published to JetStream")
	return nil
}

// Consumer delivers changes from a durable JetStream consumer to a Handler.
// Failed deliveries are redelivered after NakDelay.
type Consumer struct {
	js      jetstream.JetStream
	handler Handler
	cfg     JetStreamConfig
}

func NewConsumer(js jetstream.JetStream, handler Handler, cfg JetStreamConfig) *Consumer {
	return &Consumer{js: js, handler: handler, cfg: cfg}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.cfg.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          c.cfg.ConsumerName,
		Durable:       c.cfg.ConsumerName,
		Description:   "Catalog mirroring engine",
		FilterSubject: fmt.Sprintf("%s.>", c.cfg.SubjectPrefix),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    c.cfg.MaxDeliver,
		AckWait:       c.cfg.AckWait,
		MaxAckPending: c.cfg.MaxAckPending,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("start JetStream consumer: %w", err)
	}
	defer consumeCtx.Stop()

	log.Info().Str("consumer", c.cfg.ConsumerName).Msg("change consumer started")
	<-ctx.Done()
	log.Info().Str("consumer", c.cfg.ConsumerName).Msg("change consumer stopping")
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	ev, err := Decode(msg.Data())
	if err != nil {
		// Redelivery cannot fix a malformed message.
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping undecodable change")
		_ = msg.Term()
		return
	}
	if err := c.handler.OnSourceChanged(ctx, ev); err != nil {
		log.Error().Err(err).Str("change_id", ev.ID).Msg("failed to handle change")
		_ = msg.NakWithDelay(c.cfg.NakDelay)
		return
	}
	if err := msg.Ack(); err != nil {
		log.Warn().Err(err).Str("change_id", ev.ID).Msg("failed to ack change")
	}
}
