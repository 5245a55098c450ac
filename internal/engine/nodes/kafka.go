package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/segmentio/kafka-go"

	"github.com/flowplan/flowplan/internal/engine"
)

// defaultKafkaMaxRecords bounds a source fetch; execution is bounded bulk,
// not streaming.
const defaultKafkaMaxRecords = 1000

// KafkaSourceExecutor reads a bounded batch of messages from a topic
type KafkaSourceExecutor struct{}

// NodeType implements engine.NodeExecutor
func (KafkaSourceExecutor) NodeType() string { return "KafkaSource" }

// Validate implements engine.NodeExecutor
func (KafkaSourceExecutor) Validate(ctx *engine.NodeExecutionContext) error {
	if len(ctx.ConfigStringSlice("brokerKeys")) == 0 {
		return fmt.Errorf("KafkaSource requires a 'brokerKeys' config entry")
	}
	if ctx.ConfigString("topic") == "" {
		return fmt.Errorf("KafkaSource requires a 'topic' config entry")
	}
	return nil
}

// CreateReader implements engine.NodeExecutor
func (KafkaSourceExecutor) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	return &kafkaReader{
		brokers:    ctx.ConfigStringSlice("brokerKeys"),
		topic:      ctx.ConfigString("topic"),
		groupID:    ctx.ConfigString("groupId"),
		maxRecords: ctx.ConfigInt("maxRecords", defaultKafkaMaxRecords),
	}, nil
}

// CreateProcessor implements engine.NodeExecutor
func (KafkaSourceExecutor) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	return nil, nil
}

// CreateWriter implements engine.NodeExecutor
func (KafkaSourceExecutor) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	return nil, nil
}

// SupportsMetrics implements engine.NodeExecutor
func (KafkaSourceExecutor) SupportsMetrics() bool { return true }

// SupportsFailureHandling implements engine.NodeExecutor
func (KafkaSourceExecutor) SupportsFailureHandling() bool { return true }

type kafkaReader struct {
	brokers    []string
	topic      string
	groupID    string
	maxRecords int

	reader *kafka.Reader
	read   int
}

func (r *kafkaReader) Read(ctx context.Context) (engine.Record, error) {
	if r.read >= r.maxRecords {
		r.close()
		return nil, io.EOF
	}
	if r.reader == nil {
		r.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers: r.brokers,
			Topic:   r.topic,
			GroupID: r.groupID,
		})
	}

	msg, err := r.reader.ReadMessage(ctx)
	if err != nil {
		r.close()
		if err == io.EOF || ctx.Err() != nil {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("kafka read failed: %w", err)
	}
	r.read++

	return recordFromMessage(msg), nil
}

// recordFromMessage decodes a message value into a record. Non-JSON
// payloads pass through as raw key/value pairs.
func recordFromMessage(msg kafka.Message) engine.Record {
	var record engine.Record
	if err := json.Unmarshal(msg.Value, &record); err != nil || record == nil {
		return engine.Record{"key": string(msg.Key), "value": string(msg.Value)}
	}
	return record
}

func (r *kafkaReader) close() {
	if r.reader != nil {
		r.reader.Close()
		r.reader = nil
	}
}

// KafkaSinkExecutor publishes records to a topic in chunk batches
type KafkaSinkExecutor struct{}

// NodeType implements engine.NodeExecutor
func (KafkaSinkExecutor) NodeType() string { return "KafkaSink" }

// Validate implements engine.NodeExecutor
func (KafkaSinkExecutor) Validate(ctx *engine.NodeExecutionContext) error {
	if len(ctx.ConfigStringSlice("brokerKeys")) == 0 {
		return fmt.Errorf("KafkaSink requires a 'brokerKeys' config entry")
	}
	if ctx.ConfigString("topic") == "" {
		return fmt.Errorf("KafkaSink requires a 'topic' config entry")
	}
	return nil
}

// CreateReader implements engine.NodeExecutor
func (KafkaSinkExecutor) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	return nil, nil
}

// CreateProcessor implements engine.NodeExecutor
func (KafkaSinkExecutor) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	return nil, nil
}

// CreateWriter implements engine.NodeExecutor
func (KafkaSinkExecutor) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(ctx.ConfigStringSlice("brokerKeys")...),
		Topic:    ctx.ConfigString("topic"),
		Balancer: &kafka.LeastBytes{},
	}
	keyField := ctx.ConfigString("keyField")

	return engine.WriterFunc(func(ctx context.Context, records []engine.Record) error {
		messages, err := buildMessages(records, keyField)
		if err != nil {
			return err
		}
		if err := writer.WriteMessages(ctx, messages...); err != nil {
			return fmt.Errorf("kafka write failed: %w", err)
		}
		return nil
	}), nil
}

// buildMessages marshals records into messages, keying each by the
// configured record field when one is set.
func buildMessages(records []engine.Record, keyField string) ([]kafka.Message, error) {
	messages := make([]kafka.Message, 0, len(records))
	for _, record := range records {
		value, err := json.Marshal(record)
		if err != nil {
			return nil, err
		}
		msg := kafka.Message{Value: value}
		if keyField != "" {
			if key, ok := record[keyField].(string); ok {
				msg.Key = []byte(key)
			}
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// SupportsMetrics implements engine.NodeExecutor
func (KafkaSinkExecutor) SupportsMetrics() bool { return true }

// SupportsFailureHandling implements engine.NodeExecutor
func (KafkaSinkExecutor) SupportsFailureHandling() bool { return true }
