package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ============================================================================
// Outbox
// ============================================================================

// Outbox persists PendingSends so they survive a process restart.
type Outbox interface {
	Put(p *PendingSend) error
	Delete(tempID string) error
	// List returns the stored sends ordered by creation time.
	List() ([]*PendingSend, error)
	Close() error
}

func sortPending(list []*PendingSend) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].TempID < list[j].TempID
	})
}

func clonePending(p *PendingSend) *PendingSend {
	c := *p
	if p.Message != nil {
		c.Message = p.Message.Clone()
	}
	c.Mutations = append([]PendingMutation(nil), p.Mutations...)
	return &c
}

// ── MemoryOutbox ─────────────────────────────────────────

// MemoryOutbox is a goroutine-safe in-memory Outbox.
type MemoryOutbox struct {
	mu      sync.RWMutex
	pending map[string]*PendingSend
}

// NewMemoryOutbox creates an empty in-memory outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{pending: make(map[string]*PendingSend)}
}

func (o *MemoryOutbox) Put(p *PendingSend) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[p.TempID] = clonePending(p)
	return nil
}

func (o *MemoryOutbox) Delete(tempID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, tempID)
	return nil
}

func (o *MemoryOutbox) List() ([]*PendingSend, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	list := make([]*PendingSend, 0, len(o.pending))
	for _, p := range o.pending {
		list = append(list, clonePending(p))
	}
	sortPending(list)
	return list, nil
}

func (o *MemoryOutbox) Close() error { return nil }

// ── BoltOutbox ───────────────────────────────────────────

var pendingBucket = []byte("pending_sends")

// BoltOutbox stores PendingSends as JSON in a bbolt file.
type BoltOutbox struct {
	db *bbolt.DB
}

// OpenBoltOutbox opens or creates the outbox database at path.
func OpenBoltOutbox(path string) (*BoltOutbox, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create outbox bucket: %w", err)
	}
	return &BoltOutbox{db: db}, nil
}

func (o *BoltOutbox) Put(p *PendingSend) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending send: %w", err)
	}
	return o.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(pendingBucket).Put([]byte(p.TempID), data)
	})
}

func (o *BoltOutbox) Delete(tempID string) error {
	return o.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(pendingBucket).Delete([]byte(tempID))
	})
}

// List skips records that no longer decode.
func (o *BoltOutbox) List() ([]*PendingSend, error) {
	var list []*PendingSend
	err := o.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(pendingBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var p PendingSend
			if json.Unmarshal(v, &p) != nil || p.Message == nil {
				continue
			}
			list = append(list, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortPending(list)
	return list, nil
}

func (o *BoltOutbox) Close() error {
	return o.db.Close()
}

// ============================================================================
// Restore
// ============================================================================

// RestorePending re-inserts the outbox's sends into the store and emits them
// again, or queues them for the next connection. Sends whose confirmation is
// already stored are dropped from the outbox. It returns how many sends were
// restored.
func (e *Engine) RestorePending(ctx context.Context) (int, error) {
	list, err := e.outbox.List()
	if err != nil {
		return 0, fmt.Errorf("list outbox: %w", err)
	}
	restored := 0
	e.locked(func() {
		for _, p := range list {
			if e.recon.Pending(p.TempID) != nil {
				continue
			}
			p.Message.Mine = true
			p.Message.Status = StatusSending
			if id := e.recon.AddPending(p); id != "" {
				e.log.Debug("pending send already confirmed", zap.String("tempId", p.TempID), zap.String("id", id))
				if err := e.outbox.Delete(p.TempID); err != nil {
					e.log.Warn("delete pending send", zap.String("tempId", p.TempID), zap.Error(err))
				}
				continue
			}
			e.emitSend(ctx, p)
			restored++
		}
	})
	if restored > 0 {
		e.log.Info("restored pending sends", zap.Int("count", restored))
	}
	return restored, nil
}
