// Package storage persists records in Azure Table storage, carries write
// commands over an Azure queue and caches list reads in Redis.
package storage

import (
	"github.com/bytedance/sonic"

	"minutes-api/domain"
)

const edmInt64 = "Edm.Int64"

// recordEntity is the table row for any record. PartitionKey is the record
// kind and RowKey its id; the record itself is kept as JSON in Data.
type recordEntity struct {
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	ParentID      string `json:"ParentID,omitempty"`
	Data          string `json:"Data"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

// Entry is a stored record together with its version.
type Entry struct {
	Record    domain.Record
	CreatedAt int64
	UpdatedAt int64
	ETag      string
}

func encodeEntity(rec domain.Record, createdAt, updatedAt int64) ([]byte, error) {
	rec = domain.WithIdentity(rec, rec.RecordID(), createdAt)
	data, err := sonic.MarshalString(rec)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(recordEntity{
		PartitionKey:  string(rec.Kind()),
		RowKey:        rec.RecordID(),
		ParentID:      domain.ParentID(rec),
		Data:          data,
		CreatedAt:     createdAt,
		CreatedAtType: edmInt64,
		UpdatedAt:     updatedAt,
		UpdatedAtType: edmInt64,
	})
}

func decodeEntity(raw []byte) (*recordEntity, error) {
	var ent recordEntity
	if err := sonic.Unmarshal(raw, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

func (e *recordEntity) record() (domain.Record, error) {
	rec, err := domain.DecodeRecord(domain.Kind(e.PartitionKey), []byte(e.Data))
	if err != nil {
		return nil, err
	}
	return domain.WithIdentity(rec, e.RowKey, e.CreatedAt), nil
}
