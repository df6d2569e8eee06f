package database

import (
	"encoding/json"
	"fmt"
	"slices"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerMessages is a message store on top of Badger, selected with
// `[storage] messages_backend = "badger"`. Channels, users and the audit
// log stay in SQLite.
//
// Keys are "msg:{channel}:{id padded to 20 digits}" so a prefix scan of a
// channel walks its messages in persistence order. Channel names never
// contain ':' which keeps the prefixes disjoint.
type BadgerMessages struct {
	db  *badger.DB
	seq *badger.Sequence
}

const badgerSeqKey = "seq:messages"

// OpenBadgerMessages opens (or creates) a Badger message store in dir
func OpenBadgerMessages(dir string) (*BadgerMessages, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	seq, err := db.GetSequence([]byte(badgerSeqKey), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get message sequence: %w", err)
	}

	return &BadgerMessages{db: db, seq: seq}, nil
}

// Close releases the leased sequence range and closes Badger
func (b *BadgerMessages) Close() error {
	if err := b.seq.Release(); err != nil {
		b.db.Close()
		return fmt.Errorf("failed to release sequence: %w", err)
	}
	return b.db.Close()
}

func channelPrefix(channel string) []byte {
	return []byte("msg:" + channel + ":")
}

func messageKey(channel string, id int64) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d", channel, id))
}

// AppendMessage persists a message and returns its ID
func (b *BadgerMessages) AppendMessage(msg *Message) (int64, error) {
	n, err := b.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate message ID: %w", err)
	}

	stored := *msg
	stored.ID = int64(n) + 1 // sequences start at 0
	if stored.CreatedAt == 0 {
		stored.CreatedAt = nowMillis()
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return 0, err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(stored.Channel, stored.ID), data)
	})
	if err != nil {
		return 0, err
	}

	msg.ID = stored.ID
	msg.CreatedAt = stored.CreatedAt
	return stored.ID, nil
}

// RecentMessages returns up to limit of the newest messages of a channel,
// oldest first
func (b *BadgerMessages) RecentMessages(channel string, limit int) ([]*Message, error) {
	prefix := channelPrefix(channel)
	var messages []*Message

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts at the last key <= seek, so seek past
		// every padded ID of the channel
		seek := append(slices.Clone(prefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit >= 0 && len(messages) >= limit {
				break
			}
			var m Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			messages = append(messages, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(messages)
	return messages, nil
}

func (b *BadgerMessages) keysWithPrefix(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

// CountMessages returns the number of stored messages in a channel
func (b *BadgerMessages) CountMessages(channel string) (int, error) {
	keys, err := b.keysWithPrefix(channelPrefix(channel))
	return len(keys), err
}

// DeleteMessages removes every message of a channel
func (b *BadgerMessages) DeleteMessages(channel string) (int64, error) {
	keys, err := b.keysWithPrefix(channelPrefix(channel))
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := b.deleteKeys(keys); err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// DeleteMessagesBefore removes messages created before cutoff (Unix millis)
func (b *BadgerMessages) DeleteMessagesBefore(cutoff int64) (int64, error) {
	prefix := []byte("msg:")
	var expired [][]byte

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var m Message
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			if m.CreatedAt < cutoff {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := b.deleteKeys(expired); err != nil {
		return 0, err
	}
	return int64(len(expired)), nil
}

func (b *BadgerMessages) deleteKeys(keys [][]byte) error {
	wb := b.db.NewWriteBatch()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			wb.Cancel()
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return wb.Flush()
}
