package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"faucet/internal/domain"
	"faucet/internal/logger"
	"faucet/internal/metrics"
	"faucet/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Kind string

const (
	KindDecisionRecorded          Kind = "DecisionRecorded"
	KindDisbursementStatusChanged Kind = "DisbursementStatusChanged"
	KindManualOverride            Kind = "ManualOverride"
)

const (
	genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
	verifyPage  = 500
)

type Event struct {
	ID            string         `json:"id"`
	Sequence      uint64         `json:"sequence"`
	Kind          Kind           `json:"kind"`
	Identity      string         `json:"identity,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	Operator      string         `json:"operator,omitempty"`
	Justification string         `json:"justification,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	PrevHash      string         `json:"prev_hash"`
	Hash          string         `json:"hash"`
}

// Report is the outcome of walking the chain. BrokenAt is the first
// sequence whose link or hash does not check out.
type Report struct {
	Events   int    `json:"events"`
	Valid    bool   `json:"valid"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Problem  string `json:"problem,omitempty"`
}

// Ledger is the append-only audit trail. Every event is chained to its
// predecessor by sha256, so rewriting history breaks Verify.
type Ledger struct {
	storage storage.Storage
	now     func() time.Time
}

func NewLedger(s storage.Storage) *Ledger {
	return &Ledger{storage: s, now: time.Now}
}

func (l *Ledger) Record(ctx context.Context, event Event) (Event, error) {
	switch event.Kind {
	case KindDecisionRecorded, KindDisbursementStatusChanged:
	case KindManualOverride:
		if strings.TrimSpace(event.Operator) == "" || strings.TrimSpace(event.Justification) == "" {
			return Event{}, fmt.Errorf("%w: manual override needs an operator and a justification", domain.ErrInvalidInput)
		}
	default:
		return Event{}, fmt.Errorf("%w: unknown audit event kind %q", domain.ErrInvalidInput, event.Kind)
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode audit payload: %w", err)
	}
	payload, err = canonicalJSON(payload)
	if err != nil {
		return Event{}, err
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = l.now()
	}
	// postgres keeps microseconds; hash what the database will give back
	occurredAt := event.OccurredAt.UTC().Truncate(time.Microsecond)

	row, err := l.storage.AppendAuditEvent(ctx, func(head *storage.AuditEvent) (storage.AuditEvent, error) {
		row := storage.AuditEvent{
			Sequence:      1,
			EventID:       event.ID,
			Kind:          string(event.Kind),
			Identity:      event.Identity,
			RequestID:     event.RequestID,
			Operator:      event.Operator,
			Justification: event.Justification,
			Payload:       datatypes.JSON(payload),
			OccurredAt:    occurredAt,
			PrevHash:      genesisHash,
		}
		if head != nil {
			row.Sequence = head.Sequence + 1
			row.PrevHash = head.Hash
		}
		hash, err := hashOf(row)
		if err != nil {
			return storage.AuditEvent{}, err
		}
		row.Hash = hash
		return row, nil
	})
	if err != nil {
		logger.Error("audit: append failed", zap.String("kind", string(event.Kind)), zap.String("request id", event.RequestID), zap.Error(err))
		return Event{}, fmt.Errorf("append audit event: %w", err)
	}

	metrics.AuditEvents.WithLabelValues(string(event.Kind)).Inc()
	return fromRow(row)
}

func (l *Ledger) ListByIdentity(ctx context.Context, identity domain.Identity) ([]Event, error) {
	rows, err := l.storage.ListAuditEventsByIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

func (l *Ledger) ListByTimeRange(ctx context.Context, from, to time.Time) ([]Event, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range ends before it starts", domain.ErrInvalidInput)
	}
	rows, err := l.storage.ListAuditEventsByTimeRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

// Verify walks the whole chain in sequence order.
func (l *Ledger) Verify(ctx context.Context) (Report, error) {
	report := Report{Valid: true}
	prevHash := genesisHash
	var after uint64

	for {
		rows, err := l.storage.ListAuditEvents(ctx, after, verifyPage)
		if err != nil {
			return Report{}, err
		}
		for _, row := range rows {
			report.Events++
			switch {
			case row.Sequence != after+1:
				return broken(report, after+1, fmt.Sprintf("sequence %d missing", after+1)), nil
			case row.PrevHash != prevHash:
				return broken(report, row.Sequence, "previous hash does not match"), nil
			}
			hash, err := hashOf(row)
			if err != nil {
				return broken(report, row.Sequence, err.Error()), nil
			}
			if hash != row.Hash {
				return broken(report, row.Sequence, "event hash does not match its content"), nil
			}
			prevHash = row.Hash
			after = row.Sequence
		}
		if len(rows) < verifyPage {
			return report, nil
		}
	}
}

func broken(report Report, sequence uint64, problem string) Report {
	logger.Error("audit: chain verification failed", zap.Uint64("sequence", sequence), zap.String("problem", problem))
	report.Valid = false
	report.BrokenAt = sequence
	report.Problem = problem
	return report
}

type hashedFields struct {
	Sequence      uint64          `json:"sequence"`
	EventID       string          `json:"event_id"`
	Kind          string          `json:"kind"`
	Identity      string          `json:"identity"`
	RequestID     string          `json:"request_id"`
	Operator      string          `json:"operator"`
	Justification string          `json:"justification"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    string          `json:"occurred_at"`
	PrevHash      string          `json:"prev_hash"`
}

func hashOf(row storage.AuditEvent) (string, error) {
	payload, err := canonicalJSON(row.Payload)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(hashedFields{
		Sequence:      row.Sequence,
		EventID:       row.EventID,
		Kind:          row.Kind,
		Identity:      row.Identity,
		RequestID:     row.RequestID,
		Operator:      row.Operator,
		Justification: row.Justification,
		Payload:       payload,
		OccurredAt:    row.OccurredAt.UTC().Format(time.RFC3339Nano),
		PrevHash:      row.PrevHash,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(row.PrevHash), encoded...))
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON re-encodes raw with sorted keys and no whitespace, so the
// hash survives databases that normalise JSON columns.
func canonicalJSON(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode audit payload: %w", err)
	}
	return json.Marshal(value)
}

func fromRow(row storage.AuditEvent) (Event, error) {
	event := Event{
		ID:            row.EventID,
		Sequence:      row.Sequence,
		Kind:          Kind(row.Kind),
		Identity:      row.Identity,
		RequestID:     row.RequestID,
		Operator:      row.Operator,
		Justification: row.Justification,
		OccurredAt:    row.OccurredAt.UTC(),
		PrevHash:      row.PrevHash,
		Hash:          row.Hash,
	}
	if len(row.Payload) > 0 && string(row.Payload) != "null" {
		if err := json.Unmarshal(row.Payload, &event.Payload); err != nil {
			return Event{}, fmt.Errorf("decode audit payload %d: %w", row.Sequence, err)
		}
	}
	return event, nil
}

func fromRows(rows []storage.AuditEvent) ([]Event, error) {
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		event, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}
