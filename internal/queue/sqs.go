// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
)

var _ Queue = (*SQSQueue)(nil)

// SQSConfig configures a FIFO-queue-backed Queue.
type SQSConfig struct {
	// QueueName must end in ".fifo" per SQS FIFO queue naming rules.
	QueueName string

	// Region overrides the region in the ambient AWS config, if set.
	Region string

	// Endpoint overrides the SQS endpoint, for local testing (e.g.
	// localstack). Empty uses the default AWS endpoint resolution.
	Endpoint string

	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	RetentionPeriod   time.Duration
	Delay             time.Duration
}

// SQSQueue is a Queue backed by an AWS SQS FIFO queue.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
	cfg      SQSConfig
}

// NewSQSQueue loads AWS credentials from the ambient environment (env
// vars, shared config, IAM role) and returns a queue client. Call Init
// before Send/Receive to resolve or create the queue URL.
func NewSQSQueue(ctx context.Context, cfg SQSConfig) (*SQSQueue, error) {
	optFns := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &SQSQueue{client: client, cfg: cfg}, nil
}

// Init ensures the FIFO queue exists, tolerating "already exists".
func (q *SQSQueue) Init(ctx context.Context) error {
	attrs := map[string]string{
		"FifoQueue":                 "true",
		"ContentBasedDeduplication": "false",
	}
	if q.cfg.VisibilityTimeout > 0 {
		attrs["VisibilityTimeout"] = strconv.Itoa(int(q.cfg.VisibilityTimeout.Seconds()))
	}
	if q.cfg.WaitTime > 0 {
		attrs["ReceiveMessageWaitTimeSeconds"] = strconv.Itoa(int(q.cfg.WaitTime.Seconds()))
	}
	if q.cfg.RetentionPeriod > 0 {
		attrs["MessageRetentionPeriod"] = strconv.Itoa(int(q.cfg.RetentionPeriod.Seconds()))
	}
	if q.cfg.Delay > 0 {
		attrs["DelaySeconds"] = strconv.Itoa(int(q.cfg.Delay.Seconds()))
	}

	out, err := q.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(q.cfg.QueueName),
		Attributes: attrs,
	})
	if err != nil {
		var inUse *types.QueueNameExists
		if errors.As(err, &inUse) {
			return q.resolveExistingURL(ctx)
		}
		if strings.Contains(err.Error(), "already exists") {
			return q.resolveExistingURL(ctx)
		}
		return fmt.Errorf("failed to create queue %s: %w", q.cfg.QueueName, err)
	}

	q.queueURL = aws.ToString(out.QueueUrl)
	return nil
}

func (q *SQSQueue) resolveExistingURL(ctx context.Context) error {
	out, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(q.cfg.QueueName)})
	if err != nil {
		return fmt.Errorf("failed to resolve url for existing queue %s: %w", q.cfg.QueueName, err)
	}
	q.queueURL = aws.ToString(out.QueueUrl)
	return nil
}

// Send enqueues message under a FIFO message group keyed by groupID. The
// deduplication id combines groupID with a monotonic timestamp so
// identical bodies sent milliseconds apart are never silently dropped by
// SQS's 5-minute content dedup window.
func (q *SQSQueue) Send(ctx context.Context, groupID string, message Message) error {
	body, err := marshalMessage(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	dedupID := fmt.Sprintf("%s-%d-%s", groupID, time.Now().UnixNano(), uuid.NewString())

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.queueURL),
		MessageBody:            aws.String(body),
		MessageGroupId:         aws.String(groupID),
		MessageDeduplicationId: aws.String(dedupID),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Receive long-polls for at most one message.
func (q *SQSQueue) Receive(ctx context.Context) (*Envelope, error) {
	waitSeconds := int32(q.cfg.WaitTime.Seconds())
	if waitSeconds <= 0 {
		waitSeconds = 20
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.queueURL),
		MaxNumberOfMessages:         1,
		WaitTimeSeconds:             waitSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameMessageGroupId},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive message: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	raw := out.Messages[0]
	msg, err := unmarshalMessage(aws.ToString(raw.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal message body: %w", err)
	}

	groupID := ""
	if raw.Attributes != nil {
		groupID = raw.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)]
	}

	return &Envelope{Message: msg, GroupID: groupID, ReceiptHandle: aws.ToString(raw.ReceiptHandle)}, nil
}

// DeleteMessage acknowledges successful processing.
func (q *SQSQueue) DeleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// Close is a no-op: the SQS SDK client holds no resources to release.
func (q *SQSQueue) Close() error { return nil }
