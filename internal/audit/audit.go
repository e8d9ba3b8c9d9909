// Package audit implements the append-only, hash-chained event log: every
// event's hash binds to the previous event's hash, so tampering with any
// stored event is detectable by re-walking the chain. Appends are
// serialized by a single mutex so two concurrent Appends can never observe
// the same prevHash and fork the chain.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bartekus/sentrygate/internal/canon"
	"github.com/bartekus/sentrygate/internal/model"
	"github.com/bartekus/sentrygate/internal/store"
)

// Log appends events to the Store's audit_events table, serializing
// appends so the hash chain is always linearizable.
type Log struct {
	mu    sync.Mutex
	store store.Store
}

// New returns an audit Log backed by s.
func New(s store.Store) *Log {
	return &Log{store: s}
}

type payload struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Append computes and persists the next event in the chain, returning the
// stored event.
func (l *Log) Append(ctx context.Context, eventType string, data any) (*model.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dataRaw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal audit data: %w", err)
	}

	prevHash := model.GenesisHash
	last, err := l.store.GetLastAuditEvent(ctx)
	if err == nil {
		prevHash = last.EventHash
	} else if err != store.ErrNotFound {
		return nil, fmt.Errorf("fetching last audit event: %w", err)
	}

	p := payload{
		EventType: eventType,
		Data:      dataRaw,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	canonPayload, err := canon.JSON(p)
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit payload: %w", err)
	}
	eventHash := canon.SHA256Hex(prevHash + canonPayload)

	payloadRaw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}

	return l.store.AppendAuditEvent(ctx, &model.AuditEvent{
		PrevHash:  prevHash,
		EventHash: eventHash,
		EventType: eventType,
		Data:      payloadRaw,
	})
}

// VerifyResult reports the outcome of walking the audit chain.
type VerifyResult struct {
	OK       bool
	BrokenAt int64 // id of the first event that fails verification, 0 if OK
}

// Verify walks the chain by ascending id and checks both that each event's
// prevHash matches the previous event's eventHash (or GENESIS for the
// first) and that eventHash == sha256Hex(prevHash + canonicalJSON(data)).
func Verify(ctx context.Context, s store.Store) (VerifyResult, error) {
	events, err := s.ListAuditEvents(ctx)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("listing audit events: %w", err)
	}

	expectedPrev := model.GenesisHash
	for _, e := range events {
		if e.PrevHash != expectedPrev {
			return VerifyResult{OK: false, BrokenAt: e.ID}, nil
		}

		canonData, err := canon.JSON(e.Data)
		if err != nil {
			return VerifyResult{OK: false, BrokenAt: e.ID}, nil
		}
		if canon.SHA256Hex(e.PrevHash+canonData) != e.EventHash {
			return VerifyResult{OK: false, BrokenAt: e.ID}, nil
		}

		expectedPrev = e.EventHash
	}

	return VerifyResult{OK: true}, nil
}
