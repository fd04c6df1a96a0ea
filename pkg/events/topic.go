package events

import (
	"errors"
	"fmt"
	"strings"
)

// Topic is one of the message-bus topics the pipeline knows about.
type Topic string

const (
	TopicOrderPaid   Topic = "order.paid"
	TopicProductSync Topic = "product.sync"
)

const deadLetterSuffix = ".dlq"

var ErrUnknownTopic = errors.New("unknown topic")

// Topics lists every primary topic.
func Topics() []Topic {
	return []Topic{TopicOrderPaid, TopicProductSync}
}

func (t Topic) String() string { return string(t) }

// DeadLetter is the topic the consumer forwards exhausted messages to.
func (t Topic) DeadLetter() string { return string(t) + deadLetterSuffix }

// ParseTopic maps a primary or dead-letter topic name to its Topic.
func ParseTopic(name string) (Topic, error) {
	switch Topic(strings.TrimSuffix(name, deadLetterSuffix)) {
	case TopicOrderPaid:
		return TopicOrderPaid, nil
	case TopicProductSync:
		return TopicProductSync, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTopic, name)
}

// Message header names.
const (
	HeaderEventID       = "event-id"
	HeaderEventType     = "event-type"
	HeaderAggregateType = "aggregate-type"
	HeaderAggregateID   = "aggregate-id"

	HeaderDLTOriginalTopic     = "dlt-original-topic"
	HeaderDLTOriginalPartition = "dlt-original-partition"
	HeaderDLTOriginalOffset    = "dlt-original-offset"
	HeaderDLTExceptionMessage  = "dlt-exception-message"
	HeaderDLTExceptionTrace    = "dlt-exception-stacktrace"
)
