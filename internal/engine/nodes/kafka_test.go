package nodes

import (
	"context"
	"io"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplan/flowplan/internal/engine"
)

func TestKafkaSource_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		wantErr string
	}{
		{
			name:    "missing brokers",
			config:  map[string]any{"topic": "events"},
			wantErr: "'brokerKeys'",
		},
		{
			name:    "missing topic",
			config:  map[string]any{"brokerKeys": []any{"localhost:9092"}},
			wantErr: "'topic'",
		},
		{
			name:   "brokers as comma-normalized list",
			config: map[string]any{"brokerKeys": []any{"b1:9092", "b2:9092"}, "topic": "events"},
		},
		{
			name:   "single broker as scalar string",
			config: map[string]any{"brokerKeys": "localhost:9092", "topic": "events"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := nodeContext(t, "KafkaSource", tt.config)
			err := KafkaSourceExecutor{}.Validate(ctx)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestKafkaSink_Validate(t *testing.T) {
	ctx := nodeContext(t, "KafkaSink", map[string]any{"topic": "events"})
	err := KafkaSinkExecutor{}.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'brokerKeys'")

	ctx = nodeContext(t, "KafkaSink", map[string]any{
		"brokerKeys": []any{"localhost:9092"},
		"topic":      "events",
	})
	assert.NoError(t, KafkaSinkExecutor{}.Validate(ctx))
}

func TestKafkaReader_MaxRecordsBound(t *testing.T) {
	// A zero bound drains without ever opening a connection: the bound is
	// checked before the reader dials.
	r := &kafkaReader{
		brokers:    []string{"localhost:9092"},
		topic:      "events",
		maxRecords: 0,
	}
	_, err := r.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestRecordFromMessage(t *testing.T) {
	jsonMsg := kafka.Message{Value: []byte(`{"id": 7, "name": "alice"}`)}
	record := recordFromMessage(jsonMsg)
	assert.Equal(t, float64(7), record["id"])
	assert.Equal(t, "alice", record["name"])

	rawMsg := kafka.Message{Key: []byte("k1"), Value: []byte("not json")}
	record = recordFromMessage(rawMsg)
	assert.Equal(t, "k1", record["key"])
	assert.Equal(t, "not json", record["value"])

	nullMsg := kafka.Message{Value: []byte("null")}
	record = recordFromMessage(nullMsg)
	assert.Equal(t, "null", record["value"], "a JSON null still yields a usable record")
}

func TestBuildMessages(t *testing.T) {
	records := []engine.Record{
		{"orderId": "o-1", "amount": 10},
		{"orderId": "o-2", "amount": 20},
	}

	messages, err := buildMessages(records, "orderId")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, []byte("o-1"), messages[0].Key)
	assert.JSONEq(t, `{"orderId": "o-1", "amount": 10}`, string(messages[0].Value))
	assert.Equal(t, []byte("o-2"), messages[1].Key)
}

func TestBuildMessages_NoKeyField(t *testing.T) {
	messages, err := buildMessages([]engine.Record{{"v": 1}}, "")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Nil(t, messages[0].Key)
	assert.JSONEq(t, `{"v": 1}`, string(messages[0].Value))
}

func TestBuildMessages_MissingKeyFieldValue(t *testing.T) {
	messages, err := buildMessages([]engine.Record{{"v": 1}}, "orderId")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Nil(t, messages[0].Key, "records without the key field publish unkeyed")
}
