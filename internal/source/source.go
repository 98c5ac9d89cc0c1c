// Package source delivers raw post records to the pipeline from replay files, the live filter
// stream, or a RabbitMQ queue.
package source

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"tweetgraph/internal/model"
)

// Source yields raw post records until io.EOF.
type Source interface {
	Next(ctx context.Context) (Envelope, error)
	Close() error
}

// Envelope is one record plus where it came from. Done must be called once processing finished.
type Envelope struct {
	Record model.Record
	Origin string
	ack    func(error)
}

// Done reports the processing outcome back to the source (ack or nack for queues).
func (e Envelope) Done(err error) {
	if e.ack != nil {
		e.ack(err)
	}
}

// DecodeError is a line or message that is not a JSON object. The source stays usable.
type DecodeError struct {
	Origin string
	Data   []byte
	Err    error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode %s: %v", e.Origin, e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses one raw post. Numbers stay json.Number so 64-bit ids survive.
func Decode(b []byte) (model.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("not a JSON object")
	}
	return model.Record(rec), nil
}
