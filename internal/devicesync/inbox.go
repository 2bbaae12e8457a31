// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package devicesync

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/mise/internal/models"
)

// Key prefixes for BadgerDB storage
const (
	inboxKeyPrefix = "inbox/"
	persistentKey  = "settings/persistent"
)

// ErrUnknownNotification is returned for ids the inbox has never received.
var ErrUnknownNotification = errors.New("unknown notification")

// Entry is a notification held on the device.
type Entry struct {
	ID         string                 `json:"id"`
	Title      string                 `json:"title"`
	Body       string                 `json:"body"`
	Data       map[string]interface{} `json:"data,omitempty"`
	ReceivedAt time.Time              `json:"receivedAt"`

	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`

	// Pings counts re-presentations after the first one.
	Pings           int       `json:"pings"`
	LastPresentedAt time.Time `json:"lastPresentedAt"`
	GivenUp         bool      `json:"givenUp,omitempty"`

	DeliveryReported bool `json:"deliveryReported,omitempty"`
	ClickReported    bool `json:"clickReported,omitempty"`
}

// Pending reports whether the entry still wants the user's attention.
func (e *Entry) Pending() bool {
	return !e.Acknowledged && !e.GivenUp
}

// Inbox is the device-local record of received notifications. It survives
// restarts so acknowledgements that could not be reported are retried.
type Inbox struct {
	db  *badger.DB
	now func() time.Time
}

// OpenInbox opens the inbox at path. An empty path keeps it in memory.
func OpenInbox(path string) (*Inbox, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open inbox: %w", err)
	}
	return NewInbox(db), nil
}

// NewInbox wraps an open database.
func NewInbox(db *badger.DB) *Inbox {
	return &Inbox{db: db, now: time.Now}
}

// Close closes the underlying database.
func (in *Inbox) Close() error {
	return in.db.Close()
}

// Add stores items not already present and returns the new entries. Items
// seen before are left untouched so a redelivery is not shown twice.
func (in *Inbox) Add(items []models.SyncItem) ([]Entry, error) {
	now := in.now().UTC()
	var added []Entry
	err := in.db.Update(func(txn *badger.Txn) error {
		for _, item := range items {
			if item.ID == "" {
				continue
			}
			key := []byte(inboxKeyPrefix + item.ID)
			if _, err := txn.Get(key); err == nil {
				continue
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			// Items in one batch keep their server order.
			at := now.Add(time.Duration(len(added)))
			e := Entry{
				ID:              item.ID,
				Title:           item.Title,
				Body:            item.Body,
				Data:            item.Data,
				ReceivedAt:      at,
				LastPresentedAt: at,
			}
			if err := putEntry(txn, &e); err != nil {
				return err
			}
			added = append(added, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("add to inbox: %w", err)
	}
	return added, nil
}

// Get returns one entry.
func (in *Inbox) Get(id string) (*Entry, error) {
	var e *Entry
	err := in.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = getEntry(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Unacknowledged returns pending entries, oldest first.
func (in *Inbox) Unacknowledged() ([]Entry, error) {
	return in.list(func(e *Entry) bool { return e.Pending() })
}

// Unreported returns entries with an acknowledgement the server has not
// recorded yet.
func (in *Inbox) Unreported() ([]Entry, error) {
	return in.list(func(e *Entry) bool {
		return !e.DeliveryReported || (e.Acknowledged && !e.ClickReported)
	})
}

// Acknowledge marks id as acknowledged. It reports false when id was
// already acknowledged.
func (in *Inbox) Acknowledge(id string) (bool, error) {
	changed := false
	err := in.update(id, func(e *Entry) {
		if e.Acknowledged {
			return
		}
		at := in.now().UTC()
		e.Acknowledged = true
		e.AcknowledgedAt = &at
		changed = true
	})
	return changed, err
}

// AcknowledgeAll acknowledges every pending entry, including ones the
// escalation gave up on, and returns the ids it changed.
func (in *Inbox) AcknowledgeAll() ([]string, error) {
	at := in.now().UTC()
	var ids []string
	err := in.db.Update(func(txn *badger.Txn) error {
		entries, err := scan(txn, func(e *Entry) bool { return !e.Acknowledged })
		if err != nil {
			return err
		}
		for i := range entries {
			e := &entries[i]
			e.Acknowledged = true
			e.AcknowledgedAt = &at
			if err := putEntry(txn, e); err != nil {
				return err
			}
			ids = append(ids, e.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("acknowledge all: %w", err)
	}
	return ids, nil
}

// MarkReported records that the server accepted an acknowledgement of type t.
func (in *Inbox) MarkReported(id string, t models.AckType) error {
	return in.update(id, func(e *Entry) {
		e.DeliveryReported = true
		if t == models.AckClicked {
			e.ClickReported = true
		}
	})
}

// RecordPing counts a re-presentation of id.
func (in *Inbox) RecordPing(id string) error {
	return in.update(id, func(e *Entry) {
		e.Pings++
		e.LastPresentedAt = in.now().UTC()
	})
}

// GiveUp stops escalating id.
func (in *Inbox) GiveUp(id string) error {
	return in.update(id, func(e *Entry) { e.GivenUp = true })
}

// Cleanup deletes entries received before cutoff that no longer need
// attention or reporting, and returns how many it removed.
func (in *Inbox) Cleanup(cutoff time.Time) (int, error) {
	removed := 0
	err := in.db.Update(func(txn *badger.Txn) error {
		entries, err := scan(txn, func(e *Entry) bool {
			if !e.ReceivedAt.Before(cutoff) || e.Pending() {
				return false
			}
			return e.DeliveryReported && (!e.Acknowledged || e.ClickReported)
		})
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := txn.Delete([]byte(inboxKeyPrefix + e.ID)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup inbox: %w", err)
	}
	return removed, nil
}

// SetPersistent stores whether notifications stay on screen until acted on.
func (in *Inbox) SetPersistent(enabled bool) error {
	v := []byte{0}
	if enabled {
		v[0] = 1
	}
	return in.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(persistentKey), v)
	})
}

// Persistent reports the stored setting; it defaults to false.
func (in *Inbox) Persistent() (bool, error) {
	enabled := false
	err := in.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(persistentKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			enabled = len(val) == 1 && val[0] == 1
			return nil
		})
	})
	return enabled, err
}

func (in *Inbox) list(keep func(*Entry) bool) ([]Entry, error) {
	var out []Entry
	err := in.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = scan(txn, keep)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (in *Inbox) update(id string, fn func(*Entry)) error {
	return in.db.Update(func(txn *badger.Txn) error {
		e, err := getEntry(txn, id)
		if err != nil {
			return err
		}
		fn(e)
		return putEntry(txn, e)
	})
}

func getEntry(txn *badger.Txn, id string) (*Entry, error) {
	item, err := txn.Get([]byte(inboxKeyPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNotification, id)
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
		return nil, fmt.Errorf("decode inbox entry %s: %w", id, err)
	}
	return &e, nil
}

func putEntry(txn *badger.Txn, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal inbox entry: %w", err)
	}
	return txn.Set([]byte(inboxKeyPrefix+e.ID), data)
}

func scan(txn *badger.Txn, keep func(*Entry) bool) ([]Entry, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(inboxKeyPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []Entry
	for it.Rewind(); it.Valid(); it.Next() {
		var e Entry
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
			return nil, err
		}
		if keep(&e) {
			out = append(out, e)
		}
	}
	return out, nil
}
