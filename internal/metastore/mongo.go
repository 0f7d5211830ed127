package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/typicallhavok/evidence-vault/pkg/interfaces"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

// MongoConfig selects the database holding the files and cases collections.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// Mongo stores metadata in MongoDB. The version check of UpsertFileRecord is
// part of the update filter, so concurrent writers race inside the server.
type Mongo struct {
	client *mongo.Client
	files  *mongo.Collection
	cases  *mongo.Collection
	now    func() time.Time
}

var _ interfaces.MetadataStore = (*Mongo)(nil)

// NewMongo connects, pings and ensures the unique indexes.
func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) { // A
	if cfg.URI == "" {
		return nil, errors.New("metastore: mongo uri is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "evidence_vault"
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: metastore: connect: %v", interfaces.ErrUnavailable, err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, fmt.Errorf("%w: metastore: ping: %v", interfaces.ErrUnavailable, err)
	}

	db := cli.Database(cfg.Database)
	m := &Mongo{client: cli, files: db.Collection("files"), cases: db.Collection("cases"), now: time.Now}

	if _, err := m.files.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, fmt.Errorf("metastore: files index: %w", err)
	}
	if _, err := m.cases.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "caseId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, fmt.Errorf("metastore: cases index: %w", err)
	}
	return m, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// UpsertFileRecord inserts the record when expectedVersion is 0 and otherwise
// replaces the fields of the stored record whose version matches.
func (m *Mongo) UpsertFileRecord(ctx context.Context, rec model.FileRecord, expectedVersion uint64) (model.FileRecord, error) { // A
	if err := checkFile(rec); err != nil {
		return model.FileRecord{}, err
	}
	now := m.now().UTC().Truncate(time.Millisecond)
	rec.UpdatedAt = now
	rec.Version = expectedVersion + 1

	if expectedVersion == 0 {
		rec.CreatedAt = now
		_, err := m.files.InsertOne(ctx, rec)
		if mongo.IsDuplicateKeyError(err) {
			return model.FileRecord{}, fmt.Errorf("%w: file %s/%s already exists", interfaces.ErrConflict, rec.UserID, rec.Name)
		}
		if err != nil {
			return model.FileRecord{}, mongoErr(err)
		}
		return rec, nil
	}

	filter := bson.M{"userId": rec.UserID, "name": rec.Name, "version": expectedVersion}
	update := bson.M{"$set": bson.M{
		"caseId":       rec.CaseID,
		"description":  rec.Description,
		"cid":          rec.ContentID,
		"txHash":       rec.TransactionID,
		"fileType":     rec.FileType,
		"fileSize":     rec.FileSize,
		"passwordHash": rec.PasswordHash,
		"history":      rec.History,
		"version":      rec.Version,
		"updatedAt":    rec.UpdatedAt,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var stored model.FileRecord
	err := m.files.FindOneAndUpdate(ctx, filter, update, opts).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, ok, gerr := m.GetFileRecord(ctx, rec.UserID, rec.Name)
		if gerr != nil {
			return model.FileRecord{}, gerr
		}
		var at uint64
		if ok {
			at = current.Version
		}
		return model.FileRecord{}, versionConflict(rec.UserID, rec.Name, expectedVersion, at)
	}
	if err != nil {
		return model.FileRecord{}, mongoErr(err)
	}
	return stored, nil
}

func (m *Mongo) GetFileRecord(ctx context.Context, userID, name string) (model.FileRecord, bool, error) {
	var rec model.FileRecord
	err := m.files.FindOne(ctx, bson.M{"userId": userID, "name": name}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.FileRecord{}, false, nil
	}
	if err != nil {
		return model.FileRecord{}, false, mongoErr(err)
	}
	return rec, true, nil
}

func (m *Mongo) ListFileRecords(ctx context.Context, userID, caseID string) ([]model.FileRecord, error) {
	filter := bson.M{"userId": userID}
	if caseID != "" {
		filter["caseId"] = caseID
	}
	cur, err := m.files.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, mongoErr(err)
	}
	defer cur.Close(ctx)

	out := []model.FileRecord{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, mongoErr(err)
	}
	return out, nil
}

func (m *Mongo) CreateCase(ctx context.Context, c model.Case) (model.Case, error) {
	if err := checkCase(c); err != nil {
		return model.Case{}, err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now().UTC().Truncate(time.Millisecond)
	}
	_, err := m.cases.InsertOne(ctx, c)
	if mongo.IsDuplicateKeyError(err) {
		return model.Case{}, fmt.Errorf("%w: case %s exists", interfaces.ErrConflict, c.ID)
	}
	if err != nil {
		return model.Case{}, mongoErr(err)
	}
	return c, nil
}

func (m *Mongo) ListCases(ctx context.Context, userID string) ([]model.Case, error) {
	cur, err := m.cases.Find(ctx, bson.M{"userId": userID}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, mongoErr(err)
	}
	defer cur.Close(ctx)

	out := []model.Case{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, mongoErr(err)
	}
	return out, nil
}

func mongoErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: metastore: %v", interfaces.ErrUnavailable, err)
}
