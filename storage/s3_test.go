package storage

import (
	"context"
	"crypto/md5"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// fakeS3 serves the path-style subset of the S3 API the store uses and
// honors If-Match / If-None-Match on PutObject.
type fakeS3 struct {
	bucket string

	mu        sync.Mutex
	objects   map[string][]byte
	beforePut func(key string)
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: make(map[string][]byte)}
}

func etagOf(data []byte) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%x", md5.Sum(data)))
}

func (f *fakeS3) write(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

// onNextPut runs hook once, before the next PutObject evaluates its
// preconditions.
func (f *fakeS3) onNextPut(hook func(key string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforePut = hook
}

func (f *fakeS3) read(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

func s3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<Error><Code>%s</Code><Message>%s</Message></Error>", code, code)
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucketPath := "/" + f.bucket
	if r.URL.Path == bucketPath || r.URL.Path == bucketPath+"/" {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			f.list(w, r.URL.Query().Get("prefix"))
		default:
			s3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
		}
		return
	}
	if !strings.HasPrefix(r.URL.Path, bucketPath+"/") {
		s3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	key := strings.TrimPrefix(r.URL.Path, bucketPath+"/")

	switch r.Method {
	case http.MethodGet:
		data := f.read(key)
		if data == nil {
			s3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("ETag", etagOf(data))
		w.Write(data)
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s3Error(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		f.mu.Lock()
		hook := f.beforePut
		f.beforePut = nil
		f.mu.Unlock()
		if hook != nil {
			hook(key)
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		current, exists := f.objects[key]
		if r.Header.Get("If-None-Match") == "*" && exists {
			s3Error(w, http.StatusPreconditionFailed, "PreconditionFailed")
			return
		}
		if match := r.Header.Get("If-Match"); match != "" && (!exists || etagOf(current) != match) {
			s3Error(w, http.StatusPreconditionFailed, "PreconditionFailed")
			return
		}
		f.objects[key] = body
		w.Header().Set("ETag", etagOf(body))
		w.WriteHeader(http.StatusOK)
	default:
		s3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func (f *fakeS3) list(w http.ResponseWriter, prefix string) {
	type content struct {
		Key string `xml:"Key"`
	}
	type listResult struct {
		XMLName     xml.Name  `xml:"ListBucketResult"`
		Name        string    `xml:"Name"`
		Prefix      string    `xml:"Prefix"`
		KeyCount    int       `xml:"KeyCount"`
		IsTruncated bool      `xml:"IsTruncated"`
		Contents    []content `xml:"Contents"`
	}

	f.mu.Lock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	f.mu.Unlock()
	sort.Strings(keys)

	res := listResult{Name: f.bucket, Prefix: prefix, KeyCount: len(keys)}
	for _, k := range keys {
		res.Contents = append(res.Contents, content{Key: k})
	}
	w.Header().Set("Content-Type", "application/xml")
	xml.NewEncoder(w).Encode(res)
}

func newTestS3Store(t *testing.T) (*S3Store, *fakeS3) {
	fake := newFakeS3("vaults-bucket")
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	store, err := NewS3Store("vaults-bucket", "", "us-east-1", ts.URL, "test-access", "test-secret", testLogger)
	require.NoError(t, err)
	return store, fake
}

func TestS3Store(t *testing.T) {
	store, _ := newTestS3Store(t)
	testStoreContract(t, store)
}

func TestS3StoreSaveIsConditional(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestS3Store(t)

	require.NoError(t, store.Create(ctx, testRecord("vault-a")))
	mine, err := store.Load(ctx, "vault-a")
	require.NoError(t, err)

	// Another process rewrites the object after Save has checked the version
	// but before its upload lands.
	concurrent, err := encodeRecord(testRecord("vault-a"), 2)
	require.NoError(t, err)
	fake.onNextPut(func(key string) {
		fake.write(key, concurrent)
	})

	mine.Vault.Status = interfaces.VaultWarning
	err = store.Save(ctx, mine)
	require.ErrorIs(t, err, interfaces.ErrConcurrencyConflict)
	assert.Equal(t, int64(1), mine.Version)

	assert.Equal(t, concurrent, fake.read(store.objectKey("vault-a")))
	stored, err := store.Load(ctx, "vault-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, interfaces.VaultActive, stored.Vault.Status)
}

func TestS3StoreCreateIsConditional(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestS3Store(t)

	// Another process creates the same vault while this upload is in flight.
	first, err := encodeRecord(testRecord("vault-a"), 1)
	require.NoError(t, err)
	fake.onNextPut(func(key string) {
		fake.write(key, first)
	})

	err = store.Create(ctx, testRecord("vault-a"))
	require.ErrorIs(t, err, interfaces.ErrVaultExists)
	assert.Equal(t, first, fake.read(store.objectKey("vault-a")))
}
