package adapter

import (
	"context"
	"encoding/base64"
	stdErrors "errors"

	nats "github.com/nats-io/nats.go"

	lockerrors "github.com/mirkobrombin/go-joblock/v1/errors"
)

// DefaultNATSBucket is the JetStream key-value bucket used by OpenNATSBucket
// when no bucket name is given.
const DefaultNATSBucket = "joblock"

// NATSBackend implements Backend on top of a NATS JetStream key-value bucket.
//
// Set-if-absent maps to Create, and Exchange is a compare-and-swap loop over
// the per-key revision. Keys are base64url encoded since NATS KV keys cannot
// contain ':'.
type NATSBackend struct {
	kv nats.KeyValue
}

// NewNATSBackend returns a new NATSBackend storing records in kv.
func NewNATSBackend(kv nats.KeyValue) *NATSBackend {
	return &NATSBackend{kv: kv}
}

// OpenNATSBucket binds to the named bucket, creating it when missing.
func OpenNATSBucket(js nats.JetStreamContext, bucket string) (nats.KeyValue, error) {
	if bucket == "" {
		bucket = DefaultNATSBucket
	}
	kv, err := js.KeyValue(bucket)
	if stdErrors.Is(err, nats.ErrBucketNotFound) {
		return js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, History: 1})
	}
	return kv, err
}

// SetIfAbsent implements Backend.SetIfAbsent.
func (b *NATSBackend) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, mapNATSErr(err)
	}
	_, err := b.kv.Create(encodeNATSKey(key), []byte(value))
	if err == nil {
		return true, nil
	}
	if isNATSConflict(err) {
		return false, nil
	}
	return false, mapNATSErr(err)
}

// Get implements Backend.Get.
func (b *NATSBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, mapNATSErr(err)
	}
	entry, err := b.kv.Get(encodeNATSKey(key))
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapNATSErr(err)
	}
	return string(entry.Value()), true, nil
}

// Exchange implements Backend.Exchange. Concurrent writers make the loop
// retry; one of them always wins each round.
func (b *NATSBackend) Exchange(ctx context.Context, key, value string) (string, bool, error) {
	k := encodeNATSKey(key)
	for {
		if err := ctx.Err(); err != nil {
			return "", false, mapNATSErr(err)
		}
		entry, err := b.kv.Get(k)
		switch {
		case stdErrors.Is(err, nats.ErrKeyNotFound):
			_, err = b.kv.Create(k, []byte(value))
			if err == nil {
				return "", false, nil
			}
		case err != nil:
			return "", false, mapNATSErr(err)
		default:
			_, err = b.kv.Update(k, []byte(value), entry.Revision())
			if err == nil {
				return string(entry.Value()), true, nil
			}
		}
		if !isNATSConflict(err) {
			return "", false, mapNATSErr(err)
		}
	}
}

// Delete implements Backend.Delete. The delete is conditional on the
// revision that was read, so the existence report is exact.
func (b *NATSBackend) Delete(ctx context.Context, key string) (bool, error) {
	k := encodeNATSKey(key)
	for {
		if err := ctx.Err(); err != nil {
			return false, mapNATSErr(err)
		}
		entry, err := b.kv.Get(k)
		if stdErrors.Is(err, nats.ErrKeyNotFound) {
			return false, nil
		}
		if err != nil {
			return false, mapNATSErr(err)
		}
		err = b.kv.Delete(k, nats.LastRevision(entry.Revision()))
		if err == nil {
			return true, nil
		}
		if !isNATSConflict(err) {
			return false, mapNATSErr(err)
		}
	}
}

// Exists implements Backend.Exists.
func (b *NATSBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

func encodeNATSKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// isNATSConflict reports whether err is a failed revision expectation.
func isNATSConflict(err error) bool {
	if stdErrors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return stdErrors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func mapNATSErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded), stdErrors.Is(err, nats.ErrTimeout):
		return lockerrors.ErrTimeout
	case stdErrors.Is(err, nats.ErrConnectionClosed):
		return lockerrors.ErrConnectionClosed
	}
	return err
}
