package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPutter struct {
	key, bucket, contentType string
	body                     []byte
	err                      error
}

func (r *recordingPutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.key, r.bucket, r.contentType = *in.Key, *in.Bucket, *in.ContentType
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	r.body = body
	return &s3.PutObjectOutput{}, nil
}

func testArchiver(putter objectPutter, prefix string) *S3Archiver {
	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("UTC-2", -2*3600))
	return &S3Archiver{client: putter, bucket: "archive", prefix: prefix, Now: func() time.Time { return at }}
}

func TestArchiveKeyGroupsByDay(t *testing.T) {
	id := uuid.MustParse("6f1c2d1e-8a7b-4c1e-9a55-0d2f3b4c5d6e")

	a := testArchiver(nil, "staging")
	assert.Equal(t, "staging/harbor/2026-03-02/"+id.String()+".json", a.ArchiveKey("harbor", id))

	a.prefix = ""
	assert.Equal(t, "harbor/2026-03-02/"+id.String()+".json", a.ArchiveKey("harbor", id))
}

func TestArchiveUploadsRows(t *testing.T) {
	putter := &recordingPutter{}
	a := testArchiver(putter, "staging")
	id := uuid.New()

	key, err := a.Archive(context.Background(), "harbor", id, []map[string]string{{"source_id": "v1"}})
	require.NoError(t, err)
	assert.Equal(t, a.ArchiveKey("harbor", id), key)
	assert.Equal(t, key, putter.key)
	assert.Equal(t, "archive", putter.bucket)
	assert.Equal(t, "application/json", putter.contentType)

	var rows []map[string]string
	require.NoError(t, json.Unmarshal(putter.body, &rows))
	assert.Equal(t, "v1", rows[0]["source_id"])
}

func TestArchiveReportsUploadFailure(t *testing.T) {
	a := testArchiver(&recordingPutter{err: errors.New("access denied")}, "")
	_, err := a.Archive(context.Background(), "harbor", uuid.New(), []string{})
	assert.ErrorContains(t, err, "access denied")
}
