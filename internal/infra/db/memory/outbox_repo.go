package memory

import (
	"context"
	"sort"
	"sync"

	outboxDomain "github.com/davicafu/ledgerrelay/internal/outbox/domain"
	"github.com/google/uuid"
)

// OutboxRepoMemory es un store de outbox en proceso con la misma semántica de claim que los stores SQL:
// cada claim tiene un token y las filas retenidas por un claim vivo se saltan.
type OutboxRepoMemory struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*outboxDomain.OutboxMessage
	held   map[int64]uuid.UUID
}

func NewOutboxRepoMemory() *OutboxRepoMemory {
	return &OutboxRepoMemory{
		rows: make(map[int64]*outboxDomain.OutboxMessage),
		held: make(map[int64]uuid.UUID),
	}
}

// Insert guarda un mensaje nuevo y devuelve su id. Hace el papel del escritor de negocio.
func (r *OutboxRepoMemory) Insert(ctx context.Context, msg *outboxDomain.OutboxMessage) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	row := cloneMessage(msg)
	row.ID = r.nextID
	r.rows[row.ID] = row
	msg.ID = row.ID
	return row.ID, nil
}

// Get devuelve una copia de la fila.
func (r *OutboxRepoMemory) Get(id int64) (*outboxDomain.OutboxMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, false
	}
	return cloneMessage(row), true
}

func (r *OutboxRepoMemory) Claim(ctx context.Context, batchSize, maxRetryCount int) (outboxDomain.Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	eligible := make([]*outboxDomain.OutboxMessage, 0)
	for id, row := range r.rows {
		if _, busy := r.held[id]; busy {
			continue
		}
		if row.IsEligible(maxRetryCount) {
			eligible = append(eligible, row)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].OccurredOn.Equal(eligible[j].OccurredOn) {
			return eligible[i].ID < eligible[j].ID
		}
		return eligible[i].OccurredOn.Before(eligible[j].OccurredOn)
	})
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	c := &memoryClaim{repo: r, token: uuid.New()}
	for _, row := range eligible {
		r.held[row.ID] = c.token
		c.msgs = append(c.msgs, cloneMessage(row))
	}
	return c, nil
}

type memoryClaim struct {
	repo     *OutboxRepoMemory
	token    uuid.UUID
	msgs     []*outboxDomain.OutboxMessage
	released bool
}

func (c *memoryClaim) Messages() []*outboxDomain.OutboxMessage { return c.msgs }

func (c *memoryClaim) Save(ctx context.Context, msg *outboxDomain.OutboxMessage) error {
	r := c.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.released {
		return outboxDomain.ErrClaimReleased
	}
	if r.held[msg.ID] != c.token {
		return outboxDomain.ErrLeaseLost
	}
	row, ok := r.rows[msg.ID]
	if !ok {
		return outboxDomain.ErrLeaseLost
	}
	row.Status = msg.Status
	row.RetryCount = msg.RetryCount
	row.LastError = cloneString(msg.LastError)
	row.PublishedOn = msg.PublishedOn
	return nil
}

func (c *memoryClaim) Release(ctx context.Context) error {
	r := c.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.released {
		return nil
	}
	c.released = true
	for _, msg := range c.msgs {
		if r.held[msg.ID] == c.token {
			delete(r.held, msg.ID)
		}
	}
	return nil
}

func cloneMessage(m *outboxDomain.OutboxMessage) *outboxDomain.OutboxMessage {
	cp := *m
	cp.Payload = append([]byte(nil), m.Payload...)
	cp.LastError = cloneString(m.LastError)
	if m.PublishedOn != nil {
		t := *m.PublishedOn
		cp.PublishedOn = &t
	}
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Verificación en tiempo de compilación.
var _ outboxDomain.Store = (*OutboxRepoMemory)(nil)
