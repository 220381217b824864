// Package kafka implements a broker-backed queue on Kafka.
//
// Work items go to one topic, consumed through a shared consumer group so
// each item reaches one worker. Results go to "<topic>-results", which every
// dispatcher reads in full through its own consumer group and files into a
// mailbox keyed by job id.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/3leaps/gocumulus/pkg/queue"
)

const (
	// DefaultGroupID is the consumer group workers share for work items.
	DefaultGroupID = "gocumulus-workers"

	// DefaultPopWait bounds how long Pop waits for a message before
	// reporting the queue empty.
	DefaultPopWait = 500 * time.Millisecond

	// resultDrainLimit caps how many result messages one PollResult reads.
	resultDrainLimit = 256
)

// Config configures a Kafka queue.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	PopWait time.Duration
}

// ConfigFromCredentials maps a job credential set onto a Config.
func ConfigFromCredentials(creds queue.Credentials) Config {
	var brokers []string
	for _, b := range strings.Split(creds.Get(queue.CredKafkaBrokers), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return Config{
		Brokers: brokers,
		Topic:   creds.Get(queue.CredKafkaTopic),
		GroupID: creds.Get(queue.CredKafkaGroupID),
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka config: at least one broker is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka config: topic is required")
	}
	return nil
}

// ResultTopic is the topic results for c.Topic travel on.
func (c Config) ResultTopic() string { return c.Topic + "-results" }

type messageReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Stats() kafkago.ReaderStats
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Backend is a queue.Backend and queue.ResultChannel over Kafka.
type Backend struct {
	tasks        messageReader
	taskWriter   messageWriter
	results      messageReader
	resultWriter messageWriter
	mailbox      *queue.Mailbox
	popWait      time.Duration
	logger       *zap.Logger
}

var (
	_ queue.Backend       = (*Backend)(nil)
	_ queue.ResultChannel = (*Backend)(nil)
)

// New builds the readers and writers for cfg. The consumer groups start
// joining in the background; Close stops them.
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.GroupID == "" {
		cfg.GroupID = DefaultGroupID
	}

	tasks := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	results := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.ResultTopic(),
		GroupID:     cfg.GroupID + "-results-" + uuid.NewString(),
		StartOffset: kafkago.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	newWriter := func(topic string) *kafkago.Writer {
		return &kafkago.Writer{
			Addr:                   kafkago.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafkago.Hash{},
			RequiredAcks:           kafkago.RequireAll,
			AllowAutoTopicCreation: true,
			// Retries are owned by queue.Retrying.
			MaxAttempts: 1,
		}
	}
	return newBackend(tasks, newWriter(cfg.Topic), results, newWriter(cfg.ResultTopic()), cfg.PopWait, logger), nil
}

func newBackend(tasks messageReader, taskWriter messageWriter, results messageReader, resultWriter messageWriter, popWait time.Duration, logger *zap.Logger) *Backend {
	if popWait <= 0 {
		popWait = DefaultPopWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		tasks:        tasks,
		taskWriter:   taskWriter,
		results:      results,
		resultWriter: resultWriter,
		mailbox:      queue.NewMailbox(),
		popWait:      popWait,
		logger:       logger,
	}
}

func (b *Backend) Kind() queue.Kind { return queue.KindKafka }

func (b *Backend) Push(ctx context.Context, item queue.Item) error {
	data, err := queue.Encode(item)
	if err != nil {
		return err
	}
	msg := kafkago.Message{Value: data}
	if id := item.String("job_id"); id != "" {
		msg.Key = []byte(id)
	}
	if err := b.taskWriter.WriteMessages(ctx, msg); err != nil {
		return wrapError(err)
	}
	return nil
}

// Pop waits up to PopWait for one item.
func (b *Backend) Pop(ctx context.Context) (queue.Item, bool, error) {
	msg, ok, err := b.read(ctx, b.tasks)
	if err != nil || !ok {
		return nil, false, err
	}
	item, ok := queue.Decode(msg.Value)
	if !ok {
		b.logger.Warn("Dropping malformed queue payload",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset))
	}
	return item, ok, nil
}

func (b *Backend) read(ctx context.Context, r messageReader) (kafkago.Message, bool, error) {
	readCtx, cancel := context.WithTimeout(ctx, b.popWait)
	defer cancel()

	msg, err := r.ReadMessage(readCtx)
	if err == nil {
		return msg, true, nil
	}
	if ctx.Err() != nil {
		return kafkago.Message{}, false, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kafkago.Message{}, false, nil
	}
	return kafkago.Message{}, false, wrapError(err)
}

// Size reports consumer lag for the work topic, 0 before the first fetch.
func (b *Backend) Size(ctx context.Context) (int, error) {
	lag := b.tasks.Stats().Lag
	if lag < 0 {
		return 0, nil
	}
	return int(lag), nil
}

func (b *Backend) PublishResult(ctx context.Context, r queue.Result) error {
	data, err := queue.EncodeResult(r)
	if err != nil {
		return err
	}
	if err := b.resultWriter.WriteMessages(ctx, kafkago.Message{Key: []byte(r.JobID), Value: data}); err != nil {
		return wrapError(err)
	}
	return nil
}

// PollResult files whatever results are waiting on the result topic, then
// collects the one for jobID if it has arrived.
func (b *Backend) PollResult(ctx context.Context, jobID string) (*queue.Result, bool, error) {
	if r, ok := b.mailbox.Take(jobID); ok {
		return r, true, nil
	}
	for i := 0; i < resultDrainLimit; i++ {
		msg, ok, err := b.read(ctx, b.results)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			break
		}
		r, ok := queue.DecodeResult(msg.Value)
		if !ok {
			continue
		}
		if r.JobID == jobID {
			return &r, true, nil
		}
		b.mailbox.Deliver(r)
	}
	return nil, false, nil
}

func (b *Backend) Close() error {
	return errors.Join(
		b.tasks.Close(),
		b.taskWriter.Close(),
		b.results.Close(),
		b.resultWriter.Close(),
	)
}

// wrapError tags broker failures that are worth retrying.
func wrapError(err error) error {
	var kerr kafkago.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("%w: %w", queue.ErrClosed, err)
	case errors.As(err, &kerr) && kerr.Temporary():
		return fmt.Errorf("%w: %w", queue.ErrUnavailable, err)
	case queue.IsTransient(err):
		return err
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", queue.ErrUnavailable, err)
	}
	return err
}
