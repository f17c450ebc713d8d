// Package publish mirrors presence events onto a Kinesis stream so other
// services can consume them.
package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
)

// Envelope is the record format written to the stream.
type Envelope struct {
	Topic   string          `json:"topic"`
	Source  string          `json:"source,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type Publisher struct {
	client     kinesisiface.KinesisAPI
	streamName string
	source     string
}

func New(client kinesisiface.KinesisAPI, streamName, source string) *Publisher {
	return &Publisher{
		client:     client,
		streamName: streamName,
		source:     source,
	}
}

// Build creates a Publisher from the default AWS session. An empty
// streamName uses StreamName(env).
func Build(env, streamName, source string) *Publisher {
	if streamName == "" {
		streamName = StreamName(env)
	}
	sess := session.Must(session.NewSession(aws.NewConfig()))
	return New(kinesis.New(sess), streamName, source)
}

func StreamName(env string) string {
	return env + "-waypost-events"
}

// Send writes payload to the stream, partitioned by topic.
func (p *Publisher) Send(ctx context.Context, topic string, payload interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}

	data, err := json.Marshal(Envelope{
		Topic:   topic,
		Source:  p.source,
		Payload: payloadBytes,
	})
	if err != nil {
		return fmt.Errorf("marshalling envelope: %w", err)
	}

	_, err = p.client.PutRecordWithContext(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(p.streamName),
		PartitionKey: aws.String(topic),
		Data:         data,
	})
	if err != nil {
		return fmt.Errorf("publishing %v to %v: %w", topic, p.streamName, err)
	}
	return nil
}
