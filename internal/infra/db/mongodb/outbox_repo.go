package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	outboxDomain "github.com/davicafu/ledgerrelay/internal/outbox/domain"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	outboxCollection   = "transaction_created_outbox_message"
	countersCollection = "counters"
)

// OutboxRepoMongoDB implementa outboxDomain.Store con un lease por documento (compare-and-set).
type OutboxRepoMongoDB struct {
	outboxColl   *mongo.Collection
	countersColl *mongo.Collection
	lease        time.Duration
	now          func() time.Time
}

func NewOutboxRepoMongoDB(client *mongo.Client, dbName string, lease time.Duration) *OutboxRepoMongoDB {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	db := client.Database(dbName)
	return &OutboxRepoMongoDB{
		outboxColl:   db.Collection(outboxCollection),
		countersColl: db.Collection(countersCollection),
		lease:        lease,
		now:          time.Now,
	}
}

// mongoOutboxMessage es un helper para mapear los documentos de la base de datos a un struct.
type mongoOutboxMessage struct {
	ID          int64      `bson:"_id"`
	OccurredOn  time.Time  `bson:"occurredOn"`
	Type        string     `bson:"type"`
	Payload     []byte     `bson:"payload"`
	Status      int16      `bson:"status"`
	RetryCount  int        `bson:"retryCount"`
	LastError   *string    `bson:"lastError,omitempty"`
	PublishedOn *time.Time `bson:"publishedOn,omitempty"`
	LeaseToken  string     `bson:"leaseToken,omitempty"`
	LeaseUntil  *time.Time `bson:"leaseUntil,omitempty"`
}

// EnsureIndexes crea el índice que usa el claim.
func (r *OutboxRepoMongoDB) EnsureIndexes(ctx context.Context) error {
	_, err := r.outboxColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "occurredOn", Value: 1}},
	})
	return err
}

// Insert asigna un id secuencial (colección counters) y guarda el mensaje.
func (r *OutboxRepoMongoDB) Insert(ctx context.Context, msg *outboxDomain.OutboxMessage) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := r.countersColl.FindOneAndUpdate(ctx,
		bson.M{"_id": outboxCollection},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("outbox next id: %w", err)
	}

	msg.ID = counter.Seq
	if _, err := r.outboxColl.InsertOne(ctx, toMongoOutboxMessage(msg)); err != nil {
		return 0, fmt.Errorf("outbox insert: %w", err)
	}
	return msg.ID, nil
}

// claimFilter replica la consulta de elegibilidad y excluye documentos con lease vigente.
func claimFilter(maxRetryCount int, now time.Time) bson.M {
	return bson.M{
		"$and": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"status": int16(outboxDomain.StatusPending)},
				bson.M{"status": int16(outboxDomain.StatusFailed), "retryCount": bson.M{"$lt": maxRetryCount}},
			}},
			bson.M{"$or": bson.A{
				bson.M{"leaseUntil": nil},
				bson.M{"leaseUntil": bson.M{"$lt": now}},
			}},
		},
	}
}

func (r *OutboxRepoMongoDB) Claim(ctx context.Context, batchSize, maxRetryCount int) (outboxDomain.Claim, error) {
	token := uuid.NewString()
	now := r.now().UTC()
	update := bson.M{"$set": bson.M{"leaseToken": token, "leaseUntil": now.Add(r.lease)}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "occurredOn", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	c := &mongoClaim{coll: r.outboxColl, token: token}
	for len(c.msgs) < batchSize {
		var doc mongoOutboxMessage
		err := r.outboxColl.FindOneAndUpdate(ctx, claimFilter(maxRetryCount, now), update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			// Lo ya reclamado se suelta para no dejarlo retenido hasta que venza el lease.
			_ = c.Release(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("outbox claim: %w", err)
		}
		c.msgs = append(c.msgs, fromMongoOutboxMessage(&doc))
	}
	return c, nil
}

// Ping se usa en el readiness check.
func (r *OutboxRepoMongoDB) Ping(ctx context.Context) error {
	return r.outboxColl.Database().Client().Ping(ctx, nil)
}

type mongoClaim struct {
	coll     *mongo.Collection
	token    string
	msgs     []*outboxDomain.OutboxMessage
	released bool
}

func (c *mongoClaim) Messages() []*outboxDomain.OutboxMessage { return c.msgs }

func (c *mongoClaim) Save(ctx context.Context, msg *outboxDomain.OutboxMessage) error {
	if c.released {
		return outboxDomain.ErrClaimReleased
	}
	filter := bson.M{
		"_id":        msg.ID,
		"leaseToken": c.token,
		"status":     bson.M{"$ne": int16(outboxDomain.StatusPublished)},
	}
	update := bson.M{"$set": bson.M{
		"status":      int16(msg.Status),
		"retryCount":  msg.RetryCount,
		"lastError":   msg.LastError,
		"publishedOn": msg.PublishedOn,
	}}

	res, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("outbox save %d: %w", msg.ID, err)
	}
	if res.MatchedCount == 0 {
		return outboxDomain.ErrLeaseLost
	}
	return nil
}

func (c *mongoClaim) Release(ctx context.Context) error {
	if c.released {
		return nil
	}
	c.released = true
	if len(c.msgs) == 0 {
		return nil
	}
	_, err := c.coll.UpdateMany(ctx,
		bson.M{"leaseToken": c.token},
		bson.M{"$unset": bson.M{"leaseToken": "", "leaseUntil": ""}},
	)
	if err != nil {
		return fmt.Errorf("outbox release: %w", err)
	}
	return nil
}

func toMongoOutboxMessage(m *outboxDomain.OutboxMessage) *mongoOutboxMessage {
	return &mongoOutboxMessage{
		ID:          m.ID,
		OccurredOn:  m.OccurredOn.UTC(),
		Type:        m.Type,
		Payload:     m.Payload,
		Status:      int16(m.Status),
		RetryCount:  m.RetryCount,
		LastError:   m.LastError,
		PublishedOn: m.PublishedOn,
	}
}

// fromMongoOutboxMessage es un helper para convertir de BSON a nuestro tipo de dominio.
func fromMongoOutboxMessage(mo *mongoOutboxMessage) *outboxDomain.OutboxMessage {
	msg := &outboxDomain.OutboxMessage{
		ID:          mo.ID,
		OccurredOn:  mo.OccurredOn.UTC(),
		Type:        mo.Type,
		Payload:     mo.Payload,
		Status:      outboxDomain.Status(mo.Status),
		RetryCount:  mo.RetryCount,
		LastError:   mo.LastError,
		PublishedOn: mo.PublishedOn,
	}
	if msg.PublishedOn != nil {
		t := msg.PublishedOn.UTC()
		msg.PublishedOn = &t
	}
	return msg
}

// Verificación en tiempo de compilación.
var _ outboxDomain.Store = (*OutboxRepoMongoDB)(nil)
