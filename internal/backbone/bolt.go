package backbone

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/polyglot-sync/relay/pkg/protocol"
)

var resultsBucket = []byte("results")

// BoltResults implements ResultStore on a BBolt file.
type BoltResults struct {
	db *bbolt.DB
}

type boltEntry struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	ExpiresAt int64           `json:"expires_at,omitempty"` // unix ms, 0 = never
}

// NewBoltResults opens (or creates) the database at path.
func NewBoltResults(path string) (*BoltResults, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resultsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating results bucket: %w", err)
	}
	return &BoltResults{db: db}, nil
}

func (b *BoltResults) GetResult(ctx context.Context, key string) (protocol.Result, error) {
	var entry boltEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(resultsBucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return protocol.Result{}, err
	}
	if entry.ExpiresAt != 0 && entry.ExpiresAt <= time.Now().UnixMilli() {
		return protocol.Result{}, ErrNotFound
	}
	return protocol.Result{Event: entry.Event, Data: entry.Data}, nil
}

func (b *BoltResults) PutResult(ctx context.Context, key string, res protocol.Result, ttl time.Duration) error {
	entry := boltEntry{Event: res.Event, Data: dataOrNull(res.Data)}
	if ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl).UnixMilli()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(resultsBucket).Put([]byte(key), data)
	})
}

// PurgeExpired deletes entries whose expiry is at or before before.
func (b *BoltResults) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixMilli()
	var n int64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(resultsBucket)
		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var entry boltEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				// Unreadable entries can never be served; drop them too.
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			if entry.ExpiresAt != 0 && entry.ExpiresAt <= cutoff {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (b *BoltResults) Close() error {
	return b.db.Close()
}
