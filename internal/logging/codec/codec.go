// Package codec serialises events for backends that store opaque values
// (Redis keys, S3 objects).
package codec

import (
	"errors"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Chichichkin/LogTransport/internal/logging"
)

const ContentType = "application/msgpack"

var (
	ErrEncodeFailure = errors.New("event encode failed")
	ErrDecodeFailure = errors.New("event decode failed")
)

// document is the wire form of an Event. Payload is kept as raw bytes, it is
// already encoded by whoever produced the event.
type document struct {
	Key       string            `msgpack:"key"`
	Timestamp time.Time         `msgpack:"ts"`
	Message   string            `msgpack:"msg"`
	Labels    map[string]string `msgpack:"labels,omitempty"`
	Payload   []byte            `msgpack:"payload,omitempty"`
}

func Encode(e logging.Event) ([]byte, error) {
	data, err := msgpack.Marshal(document{
		Key:       e.Key,
		Timestamp: e.Timestamp,
		Message:   e.Message,
		Labels:    e.Labels,
		Payload:   e.Payload,
	})
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

func Decode(data []byte) (logging.Event, error) {
	var doc document
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return logging.Event{}, errors.Join(ErrDecodeFailure, err)
	}
	return logging.Event{
		Key:       doc.Key,
		Timestamp: doc.Timestamp,
		Message:   doc.Message,
		Labels:    doc.Labels,
		Payload:   doc.Payload,
	}, nil
}
