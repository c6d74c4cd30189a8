package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/holdledger/internal/money"
	"github.com/CedrosPay/holdledger/internal/schema"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const ledgerStateID = "ledger"

// MongoDBStore implements Store using MongoDB. Each account is one document
// holding its balance and its full pledge sequence; writes run inside a
// session transaction (requires a replica set).
type MongoDBStore struct {
	client   *mongo.Client
	db       *mongo.Database
	accounts *mongo.Collection
	state    *mongo.Collection
}

// mongoAccount is the per-account document.
type mongoAccount struct {
	ID         string        `bson:"_id"`
	Balance    int64         `bson:"balance"`
	Registered bool          `bson:"registered"`
	HasRecord  bool          `bson:"has_record"`
	Pledges    []mongoPledge `bson:"pledges"`
	Unsettled  int           `bson:"unsettled"`
}

type mongoPledge struct {
	Seq       int        `bson:"seq"`
	IntentID  string     `bson:"intent_id"`
	Amount    int64      `bson:"amount"`
	CreatedAt time.Time  `bson:"created_at"`
	Burn      *int64     `bson:"burn_amount,omitempty"`
	Capture   *int64     `bson:"capture_amount,omitempty"`
	SettledAt *time.Time `bson:"settled_at,omitempty"`
}

type mongoState struct {
	ID         string `bson:"_id"`
	Supply     int64  `bson:"total_supply"`
	BurnWindow bool   `bson:"burn_window_open"`
}

// NewMongoDBStore creates a new MongoDB-backed store.
func NewMongoDBStore(connectionString, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// Disconnect() error is not actionable here and would obscure the ping failure.
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	store := &MongoDBStore{
		client:   client,
		db:       db,
		accounts: db.Collection(schema.DefaultAccountsTable),
		state:    db.Collection(schema.DefaultStateTable),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

// WithCollectionNames sets custom collection names (for schema_mapping support).
func (s *MongoDBStore) WithCollectionNames(accounts, state string) (*MongoDBStore, error) {
	if accounts == "" && state == "" {
		return s, nil
	}
	if err := schema.Defaults().Override(accounts, "", state).Validate(); err != nil {
		return nil, err
	}
	if accounts != "" {
		s.accounts = s.db.Collection(accounts)
	}
	if state != "" {
		s.state = s.db.Collection(state)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.createIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// createIndexes creates the pending-account index. _id is unique by default.
func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.accounts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "unsettled", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "_id", Value: 1}, {Key: "pledges.intent_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create account indexes: %w", err)
	}
	return nil
}

// Update runs fn inside a session transaction. The driver retries fn on
// transient transaction errors.
func (s *MongoDBStore) Update(ctx context.Context, fn func(Tx) error) error {
	return s.withSession(ctx, fn)
}

// View runs fn inside a snapshot transaction.
func (s *MongoDBStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.withSession(ctx, func(tx Tx) error {
		tx.(*mongoTx).readOnly = true
		return fn(tx)
	})
}

func (s *MongoDBStore) withSession(ctx context.Context, fn func(Tx) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start mongodb session: %w", err)
	}
	defer session.EndSession(ctx)

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(&mongoTx{s: s, sc: sc})
	}, txOpts)
	return err
}

// Close disconnects the client.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// mongoTx implements Tx; every operation uses the session context so it joins the transaction.
type mongoTx struct {
	s        *MongoDBStore
	sc       mongo.SessionContext
	readOnly bool
}

func (t *mongoTx) loadAccount(id string) (mongoAccount, bool, error) {
	var doc mongoAccount
	err := t.s.accounts.FindOne(t.sc, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return mongoAccount{}, false, nil
	}
	if err != nil {
		return mongoAccount{}, false, fmt.Errorf("find account: %w", err)
	}
	return doc, true, nil
}

func (t *mongoTx) Account(_ context.Context, id string) (Account, bool, error) {
	doc, ok, err := t.loadAccount(id)
	// A document created only by PutPledges has no balance record yet.
	if err != nil || !ok || !doc.HasRecord {
		return Account{}, false, err
	}
	balance, err := money.FromInt64(doc.Balance)
	if err != nil {
		return Account{}, false, err
	}
	return Account{ID: id, Balance: balance, Registered: doc.Registered}, true, nil
}

func (t *mongoTx) PutAccount(_ context.Context, acct Account) error {
	if t.readOnly {
		return ErrReadOnly
	}
	update := bson.M{"$set": bson.M{
		"balance":    acct.Balance.Int64(),
		"registered": acct.Registered,
		"has_record": true,
	}}
	_, err := t.s.accounts.UpdateOne(t.sc, bson.M{"_id": acct.ID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (t *mongoTx) loadState() (mongoState, error) {
	var doc mongoState
	err := t.s.state.FindOne(t.sc, bson.M{"_id": ledgerStateID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return mongoState{ID: ledgerStateID}, nil
	}
	if err != nil {
		return mongoState{}, fmt.Errorf("find ledger state: %w", err)
	}
	return doc, nil
}

func (t *mongoTx) setState(field string, value interface{}) error {
	if t.readOnly {
		return ErrReadOnly
	}
	_, err := t.s.state.UpdateOne(t.sc, bson.M{"_id": ledgerStateID},
		bson.M{"$set": bson.M{field: value}}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("update ledger state: %w", err)
	}
	return nil
}

func (t *mongoTx) Supply(_ context.Context) (money.Amount, error) {
	st, err := t.loadState()
	if err != nil {
		return 0, err
	}
	return money.FromInt64(st.Supply)
}

func (t *mongoTx) SetSupply(_ context.Context, amount money.Amount) error {
	return t.setState("total_supply", amount.Int64())
}

func (t *mongoTx) BurnWindow(_ context.Context) (bool, error) {
	st, err := t.loadState()
	return st.BurnWindow, err
}

func (t *mongoTx) SetBurnWindow(_ context.Context, open bool) error {
	return t.setState("burn_window_open", open)
}

func (t *mongoTx) Pledges(_ context.Context, accountID string) ([]Pledge, error) {
	doc, ok, err := t.loadAccount(accountID)
	if err != nil || !ok {
		return nil, err
	}
	pledges := make([]Pledge, 0, len(doc.Pledges))
	for _, mp := range doc.Pledges {
		p := Pledge{
			AccountID: accountID,
			IntentID:  mp.IntentID,
			Amount:    money.Amount(mp.Amount),
			Seq:       mp.Seq,
			CreatedAt: mp.CreatedAt,
		}
		if mp.Burn != nil && mp.Capture != nil {
			s := &Settlement{Burn: money.Amount(*mp.Burn), Capture: money.Amount(*mp.Capture)}
			if mp.SettledAt != nil {
				s.SettledAt = *mp.SettledAt
			}
			p.Settlement = s
		}
		pledges = append(pledges, p)
	}
	return pledges, nil
}

func (t *mongoTx) PutPledges(_ context.Context, accountID string, pledges []Pledge) error {
	if t.readOnly {
		return ErrReadOnly
	}
	docs := make([]mongoPledge, 0, len(pledges))
	for _, p := range pledges {
		mp := mongoPledge{
			Seq:       p.Seq,
			IntentID:  p.IntentID,
			Amount:    p.Amount.Int64(),
			CreatedAt: p.CreatedAt,
		}
		if p.Settlement != nil {
			burn, capture, at := p.Settlement.Burn.Int64(), p.Settlement.Capture.Int64(), p.Settlement.SettledAt
			mp.Burn, mp.Capture, mp.SettledAt = &burn, &capture, &at
		}
		docs = append(docs, mp)
	}
	update := bson.M{"$set": bson.M{"pledges": docs, "unsettled": countUnsettled(pledges)}}
	_, err := t.s.accounts.UpdateOne(t.sc, bson.M{"_id": accountID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("update pledges: %w", err)
	}
	return nil
}

func (t *mongoTx) PendingAccounts(_ context.Context, after string, limit int) ([]string, error) {
	filter := bson.M{"unsettled": bson.M{"$gt": 0}, "_id": bson.M{"$gt": after}}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := t.s.accounts.Find(t.sc, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find pending accounts: %w", err)
	}
	defer cursor.Close(t.sc)

	var ids []string
	for cursor.Next(t.sc) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode pending account: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	return ids, cursor.Err()
}
