package database

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"

	"chatnow/tools/errs"
)

// Table is a collection together with the indexes it needs.
type Table interface {
	GetTableName() string
	Indexes() []mongo.IndexModel
}

// EnsureIndexes creates the indexes of every table; existing ones are left alone.
func EnsureIndexes(ctx context.Context, db *mongo.Database, tables ...Table) error {
	for _, t := range tables {
		idx := t.Indexes()
		if len(idx) == 0 {
			continue
		}
		if _, err := db.Collection(t.GetTableName()).Indexes().CreateMany(ctx, idx); err != nil {
			return errs.WrapMsg(err, "create indexes", "table", t.GetTableName())
		}
	}
	return nil
}
