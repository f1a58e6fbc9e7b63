package redpanda

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

type fakeDltStore struct {
	inserted    []domain.DltRecord
	failOffsets map[int64]bool
}

func (f *fakeDltStore) Insert(_ domain.Context, rec domain.DltRecord) (domain.DltRecord, error) {
	if f.failOffsets[rec.OriginalOffset] {
		return domain.DltRecord{}, errors.New("db down")
	}
	f.inserted = append(f.inserted, rec)
	return rec, nil
}

func (f *fakeDltStore) Get(_ domain.Context, _ string) (domain.DltRecord, error) {
	return domain.DltRecord{}, domain.ErrNotFound
}

func (f *fakeDltStore) List(_ domain.Context, _, _ int) ([]domain.DltRecord, error) {
	return nil, nil
}

func (f *fakeDltStore) Delete(_ domain.Context, _ string) error { return nil }

func deadRecord(offset int64) *kgo.Record {
	return &kgo.Record{
		Topic:  "broadcast-group.dlt",
		Offset: offset,
		Value:  []byte(`{"eventType":"CREATED"}`),
		Headers: []kgo.RecordHeader{
			{Key: headerOriginalTopic, Value: []byte("broadcast-group")},
			{Key: headerOriginalPartition, Value: []byte("3")},
			{Key: headerOriginalOffset, Value: []byte(strconv.FormatInt(offset, 10))},
			{Key: headerException, Value: []byte("handler failed")},
		},
	}
}

func TestIngestPartition_StopsAtFirstFailure(t *testing.T) {
	repo := &fakeDltStore{failOffsets: map[int64]bool{5: true}}
	c := &DLTConsumer{repo: repo}

	done, failed := c.ingestPartition(context.Background(),
		[]*kgo.Record{deadRecord(4), deadRecord(5), deadRecord(6)})

	require.NotNil(t, failed)
	assert.Equal(t, int64(5), failed.Offset)
	// Only the prefix before the failure is committable; the record after
	// the failure was never attempted.
	require.Len(t, done, 1)
	assert.Equal(t, int64(4), done[0].Offset)
	require.Len(t, repo.inserted, 1)
	assert.Equal(t, int64(4), repo.inserted[0].OriginalOffset)
}

func TestIngestPartition_AllPersisted(t *testing.T) {
	repo := &fakeDltStore{}
	c := &DLTConsumer{repo: repo}

	done, failed := c.ingestPartition(context.Background(),
		[]*kgo.Record{deadRecord(1), deadRecord(2)})

	assert.Nil(t, failed)
	assert.Len(t, done, 2)
	assert.Len(t, repo.inserted, 2)
}

func TestIngest_ParsesHeaders(t *testing.T) {
	repo := &fakeDltStore{}
	c := &DLTConsumer{repo: repo}

	require.NoError(t, c.ingest(context.Background(), deadRecord(9)))

	require.Len(t, repo.inserted, 1)
	rec := repo.inserted[0]
	assert.Equal(t, "broadcast-group", rec.OriginalTopic)
	assert.Equal(t, int32(3), rec.OriginalPartition)
	assert.Equal(t, int64(9), rec.OriginalOffset)
	assert.Equal(t, "handler failed", rec.ExceptionMessage)
	assert.Equal(t, []byte(`{"eventType":"CREATED"}`), rec.Payload)
}
