package store

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// AppendOutbox appends a domain event for the external sync process.
// payload is marshalled as the event body.
func (s *Store) AppendOutbox(entityType, entityID, op string, payload interface{}) (*OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed encoding outbox payload")
	}

	var ev OutboxEvent
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ev = OutboxEvent{
			ID:         seq,
			EntityType: entityType,
			EntityID:   entityID,
			Op:         op,
			Payload:    body,
			CreatedAt:  s.now().UTC(),
		}
		return put(b, outboxKey(seq), &ev)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed appending outbox event %s %s", op, entityID)
	}
	return &ev, nil
}

// ListUnsyncedOutbox returns up to limit unsynced events in append order.
func (s *Store) ListUnsyncedOutbox(limit int) ([]*OutboxEvent, error) {
	events := []*OutboxEvent{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil && len(events) < limit; k, v = c.Next() {
			var ev OutboxEvent
			if err := jsonUnmarshal(v, &ev); err != nil {
				return err
			}
			if ev.SyncedAt == nil {
				events = append(events, &ev)
			}
		}
		return nil
	})
	return events, err
}

// MarkOutboxSynced stamps the given events as delivered.
func (s *Store) MarkOutboxSynced(ids []uint64, at time.Time) error {
	at = at.UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		for _, id := range ids {
			var ev OutboxEvent
			if err := get(b, outboxKey(id), &ev); err != nil {
				return err
			}
			ev.SyncedAt = &at
			if err := put(b, outboxKey(id), &ev); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "failed marking outbox events synced")
}

// CountOutbox returns how many events match entity id and op; used by
// the preview publisher's idempotence checks and by tests.
func (s *Store) CountOutbox(entityID, op string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(_, v []byte) error {
			var ev OutboxEvent
			if err := jsonUnmarshal(v, &ev); err != nil {
				return err
			}
			if ev.EntityID == entityID && ev.Op == op {
				n++
			}
			return nil
		})
	})
	return n, err
}

func outboxKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
