// Package queue provides the durable matching work queue and the worker
// supervision primitives: long-lived queue workers draining jobs with
// at-least-once delivery, and run-once gather workers for parallel
// scoring scans.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Job states.
const (
	StatePending = "pending"
	StateClaimed = "claimed"
)

// Job is one durable work item. Payload is the resource that triggered
// the job, stored verbatim.
type Job struct {
	ID        string
	Payload   json.RawMessage
	State     string
	ClaimedAt *time.Time
	CreatedAt time.Time
}

// Queue is the durable at-least-once work queue. Dequeue claims
// exclusively; a claimed job that is never acked becomes visible again
// once Requeue sweeps it past the visibility timeout.
type Queue interface {
	Enqueue(ctx context.Context, payload json.RawMessage) (string, error)
	// Dequeue claims the oldest pending job, or returns nil when the
	// queue is empty.
	Dequeue(ctx context.Context) (*Job, error)
	// Ack removes a processed job.
	Ack(ctx context.Context, id string) error
	// Requeue returns claimed jobs older than the visibility timeout to
	// pending and reports how many were swept.
	Requeue(ctx context.Context, visibility time.Duration) (int, error)
	// Depth counts jobs regardless of state.
	Depth(ctx context.Context) (int, error)
}

// PgQueue is the Postgres-backed queue over the match_queue table. The
// exclusive claim uses FOR UPDATE SKIP LOCKED so concurrent workers
// never double-claim.
type PgQueue struct {
	pool *pgxpool.Pool
}

func NewPgQueue(pool *pgxpool.Pool) *PgQueue {
	return &PgQueue{pool: pool}
}

func (q *PgQueue) Enqueue(ctx context.Context, payload json.RawMessage) (string, error) {
	id := uuid.NewString()
	_, err := q.pool.Exec(ctx,
		`INSERT INTO match_queue (id, payload, state, created_at) VALUES ($1, $2, $3, now())`,
		id, payload, StatePending,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

func (q *PgQueue) Dequeue(ctx context.Context) (*Job, error) {
	row := q.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM match_queue
			WHERE state = $1
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE match_queue q SET state = $2, claimed_at = now()
		FROM next WHERE q.id = next.id
		RETURNING q.id, q.payload, q.state, q.claimed_at, q.created_at`,
		StatePending, StateClaimed,
	)

	var j Job
	err := row.Scan(&j.ID, &j.Payload, &j.State, &j.ClaimedAt, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return &j, nil
}

func (q *PgQueue) Ack(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM match_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ack job %s: %w", id, err)
	}
	return nil
}

func (q *PgQueue) Requeue(ctx context.Context, visibility time.Duration) (int, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE match_queue SET state = $1, claimed_at = NULL
		 WHERE state = $2 AND claimed_at < now() - $3::interval`,
		StatePending, StateClaimed, visibility.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *PgQueue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.pool.QueryRow(ctx, `SELECT count(*) FROM match_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// MemQueue is the in-memory Queue used by tests and the dev server.
type MemQueue struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewMemQueue() *MemQueue {
	return &MemQueue{jobs: map[string]*Job{}, now: time.Now}
}

func (q *MemQueue) Enqueue(ctx context.Context, payload json.RawMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.NewString()
	buf := make(json.RawMessage, len(payload))
	copy(buf, payload)
	q.jobs[id] = &Job{
		ID:        id,
		Payload:   buf,
		State:     StatePending,
		CreatedAt: q.now(),
	}
	return id, nil
}

func (q *MemQueue) Dequeue(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest *Job
	for _, j := range q.jobs {
		if j.State != StatePending {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) ||
			(j.CreatedAt.Equal(oldest.CreatedAt) && j.ID < oldest.ID) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}

	claimed := q.now()
	oldest.State = StateClaimed
	oldest.ClaimedAt = &claimed

	cp := *oldest
	return &cp, nil
}

func (q *MemQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, id)
	return nil
}

func (q *MemQueue) Requeue(ctx context.Context, visibility time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-visibility)
	swept := 0
	for _, j := range q.jobs {
		if j.State == StateClaimed && j.ClaimedAt != nil && j.ClaimedAt.Before(cutoff) {
			j.State = StatePending
			j.ClaimedAt = nil
			swept++
		}
	}
	return swept, nil
}

func (q *MemQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}

// Pending lists pending jobs oldest first, for tests and inspection.
func (q *MemQueue) Pending() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Job
	for _, j := range q.jobs {
		if j.State == StatePending {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
