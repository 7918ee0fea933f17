package tier

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"

	"goflare.io/strata/internal/models"
)

// encodeEntry serializes entry with its expiry fixed to now+ttl.
func encodeEntry(entry *models.Entry, ttl time.Duration) ([]byte, error) {
	stored := *entry
	stored.ExpiresAt = time.Time{}
	if ttl > 0 {
		stored.ExpiresAt = time.Now().Add(ttl)
	}
	data, err := msgpack.Marshal(&stored)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "encode entry"), models.ErrSerialization)
	}
	return data, nil
}

func decodeEntry(data []byte) (*models.Entry, error) {
	var entry models.Entry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode entry"), models.ErrSerialization)
	}
	return &entry, nil
}
