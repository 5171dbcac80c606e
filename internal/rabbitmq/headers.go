package rabbitmq

import (
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Frame headers owned by the channel
const (
	AttemptCountHeader = "x-retry-count"
	ExpirationHeader   = "x-expiration"
	exceptionPrefix    = "x-exception"
)

func headerInt(headers amqp.Table, key string) (int64, bool) {
	switch v := headers[key].(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// AttemptCount returns how many times the frame has failed; absent means zero
func AttemptCount(d *amqp.Delivery) int {
	if d == nil || d.Headers == nil {
		return 0
	}
	n, _ := headerInt(d.Headers, AttemptCountHeader)
	return int(n)
}

// SetAttemptCount records the attempt count on the frame. Zero removes the header.
func SetAttemptCount(d *amqp.Delivery, count int) {
	if count == 0 {
		delete(d.Headers, AttemptCountHeader)
		return
	}
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}
	d.Headers[AttemptCountHeader] = int32(count)
}

// AppendException adds diagnostics for err under the next free exception index
func AppendException(d *amqp.Delivery, err error) {
	if err == nil {
		return
	}
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}

	index := 0
	for key := range d.Headers {
		if strings.HasPrefix(key, exceptionPrefix) && strings.HasSuffix(key, "-message") {
			index++
		}
	}

	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}

	prefix := fmt.Sprintf("%s%d", exceptionPrefix, index)
	d.Headers[prefix+"-type"] = fmt.Sprintf("%T", root)
	d.Headers[prefix+"-message"] = err.Error()
}

func cloneTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// isReservedHeader reports headers that never surface on a ChannelMessage
func isReservedHeader(key string) bool {
	return key == AttemptCountHeader || key == ExpirationHeader || strings.HasPrefix(key, exceptionPrefix)
}
