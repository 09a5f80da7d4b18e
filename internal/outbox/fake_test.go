package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bizmatters/collab/event-relay/internal/broker"
	"github.com/bizmatters/collab/event-relay/internal/models"
)

// memStore is an in-memory ClaimStore with row locks released on commit or
// rollback, mirroring SELECT ... FOR UPDATE SKIP LOCKED.
type memStore struct {
	mu     sync.Mutex
	rows   map[uuid.UUID]*models.OutboxEvent
	locked map[uuid.UUID]*memTx

	markFailedCalls map[uuid.UUID]int
	markErr         error
}

func newMemStore() *memStore {
	return &memStore{
		rows:            map[uuid.UUID]*models.OutboxEvent{},
		locked:          map[uuid.UUID]*memTx{},
		markFailedCalls: map[uuid.UUID]int{},
	}
}

func (s *memStore) add(n int, eventType string) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(len(s.rows)) * time.Second)
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		id := uuid.New()
		s.rows[id] = &models.OutboxEvent{
			ID:            id,
			WorkspaceID:   uuid.New(),
			AggregateType: models.AggregateTypeChannel,
			AggregateID:   id.String(),
			EventType:     eventType,
			Payload:       []byte(`{"n":1}`),
			Status:        models.OutboxEventStatusPending,
			ProducedAt:    base.Add(time.Duration(i) * time.Millisecond),
		}
		ids = append(ids, id)
	}
	return ids
}

func (s *memStore) get(id uuid.UUID) models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

func (s *memStore) countStatus(status models.OutboxEventStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if r.Status == status {
			n++
		}
	}
	return n
}

func (s *memStore) Begin(context.Context) (pgx.Tx, error) {
	return &memTx{store: s}, nil
}

func (s *memStore) claim(tx pgx.Tx, limit int, match func(*models.OutboxEvent) bool) []models.OutboxEvent {
	mtx := tx.(*memTx)

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*models.OutboxEvent, 0, len(s.rows))
	for _, r := range s.rows {
		if _, busy := s.locked[r.ID]; busy {
			continue
		}
		if match(r) {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ProducedAt.Before(candidates[j].ProducedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]models.OutboxEvent, 0, len(candidates))
	for _, r := range candidates {
		s.locked[r.ID] = mtx
		out = append(out, *r)
	}
	return out
}

func (s *memStore) FindPending(_ context.Context, tx pgx.Tx, limit int) ([]models.OutboxEvent, error) {
	return s.claim(tx, limit, func(r *models.OutboxEvent) bool {
		return r.Status == models.OutboxEventStatusPending
	}), nil
}

func (s *memStore) FindFailedForRetry(_ context.Context, tx pgx.Tx, maxAttempts, limit int) ([]models.OutboxEvent, error) {
	return s.claim(tx, limit, func(r *models.OutboxEvent) bool {
		return r.Status == models.OutboxEventStatusFailed && r.FailedAttempts < maxAttempts
	}), nil
}

func (s *memStore) MarkPublished(_ context.Context, tx pgx.Tx, id uuid.UUID) error {
	s.mu.Lock()
	markErr := s.markErr
	s.mu.Unlock()
	if markErr != nil {
		return markErr
	}

	tx.(*memTx).ops = append(tx.(*memTx).ops, func(r map[uuid.UUID]*models.OutboxEvent) {
		now := time.Now()
		r[id].Status = models.OutboxEventStatusPublished
		r[id].PublishedAt = &now
	})
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, tx pgx.Tx, id uuid.UUID) error {
	tx.(*memTx).ops = append(tx.(*memTx).ops, func(r map[uuid.UUID]*models.OutboxEvent) {
		r[id].Status = models.OutboxEventStatusFailed
		r[id].FailedAttempts++
		s.markFailedCalls[id]++
	})
	return nil
}

type memTx struct {
	pgx.Tx
	store *memStore
	ops   []func(map[uuid.UUID]*models.OutboxEvent)
	done  bool
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, op := range t.ops {
		op(t.store.rows)
	}
	t.release()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.release()
	return nil
}

// release must be called with the store lock held
func (t *memTx) release() {
	for id, owner := range t.store.locked {
		if owner == t {
			delete(t.store.locked, id)
		}
	}
}

type published struct {
	routingKey string
	msg        broker.Message
}

type fakeProducer struct {
	mu        sync.Mutex
	published []published
	failFn    func(msg broker.Message) error
	block     bool
	closed    bool
}

func (p *fakeProducer) Publish(ctx context.Context, routingKey string, msg broker.Message) error {
	p.mu.Lock()
	failFn := p.failFn
	block := p.block
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if failFn != nil {
		if err := failFn(msg); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, published{routingKey: routingKey, msg: msg})
	return nil
}

func (p *fakeProducer) setFail(fn func(broker.Message) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failFn = fn
}

func (p *fakeProducer) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.published...)
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProducer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

var errBrokerDown = errors.Join(broker.ErrNotConnected, errors.New("dial tcp: connection refused"))
