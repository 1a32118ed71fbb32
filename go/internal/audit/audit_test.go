package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"
	"github.com/matryer/is"

	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/kv/memory"
	"github.com/mcdev12/hacktracker/go/internal/txn"
)

// fakeS3 accepts PutObject requests and keeps the bodies by object key.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	if req.Method != http.MethodPut || len(parts) != 2 {
		return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	body, _ := io.ReadAll(req.Body)
	f.mu.Lock()
	f.objects[parts[1]] = body
	f.mu.Unlock()
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(nil)),
		Header:     http.Header{"ETag": {"\"etag\""}},
	}, nil
}

func newFakeArchiver(t *testing.T) (*S3Archiver, *fakeS3) {
	t.Helper()
	rt := &fakeS3{objects: make(map[string][]byte)}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	if err != nil {
		t.Fatal(err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return NewS3ArchiverWithClient(client, "audit-bucket", ""), rt
}

func TestRecordWritesAndArchives(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 7, 4, 9, 0, 0, 0, time.UTC))
	store := memory.NewStore(memory.WithClock(clock))
	archiver, fake := newFakeArchiver(t)
	rec := NewRecorder(txn.NewCoordinator(store, clock, nil), archiver, clock)

	written, err := rec.Record(ctx, Record{
		Event:      EventHardDeleted,
		EntityType: catalog.EntityTeam,
		Key:        catalog.Key{PK: "TEAM#t1", SK: "METADATA"},
		Snapshot:   catalog.Attributes{"name": "Sharks"},
	})
	is.NoErr(err)
	is.True(written.ID != "")

	listed, err := rec.List(ctx, clock.Now())
	is.NoErr(err)
	is.Equal(len(listed), 1)
	is.Equal(listed[0].Event, EventHardDeleted)
	is.Equal(listed[0].Snapshot["name"], "Sharks")
	is.Equal(listed[0].Key, catalog.Key{PK: "TEAM#t1", SK: "METADATA"})

	body, ok := fake.objects["audit/2024/07/04/"+written.ID+".json"]
	is.True(ok) // archived under the day prefix
	var archived Record
	is.NoErr(json.Unmarshal(body, &archived))
	is.Equal(archived.ID, written.ID)
}

func TestRecordWithoutArchiver(t *testing.T) {
	is := is.New(t)
	store := memory.NewStore()
	rec := NewRecorder(txn.NewCoordinator(store, nil, nil), nil, nil)
	_, err := rec.Record(context.Background(), Record{Event: EventRecovered, EntityType: catalog.EntityUser})
	is.NoErr(err)
	is.Equal(store.Len(), 1)
}
