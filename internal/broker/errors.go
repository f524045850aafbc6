package broker

import "errors"

var (
	// ErrShuttingDown is returned by write operations after the shutdown
	// latch has been set.
	ErrShuttingDown = errors.New("broker is shutting down")

	// ErrTopicExists is returned by CreateTopic for a duplicate name.
	ErrTopicExists = errors.New("topic already exists")

	// ErrTopicNotFound is returned when an operation names an unknown topic.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrInvalidTopicName rejects empty names and names over 100 characters.
	ErrInvalidTopicName = errors.New("invalid topic name")

	// ErrInvalidRingSize rejects history sizes outside the configured bounds.
	ErrInvalidRingSize = errors.New("invalid ring buffer size")

	// ErrInvalidMessageID rejects message ids that are not canonical UUIDs.
	ErrInvalidMessageID = errors.New("message id must be a valid UUID")
)
