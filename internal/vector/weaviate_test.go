package vector

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWeaviate answers the REST calls Upsert makes.
type fakeWeaviate struct {
	deleteStatus int

	mu      sync.Mutex
	created int
}

func (f *fakeWeaviate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v1/meta":
		io.WriteString(w, `{"version":"1.25.0"}`)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/v1/objects/"):
		w.WriteHeader(f.deleteStatus)
		if f.deleteStatus >= 300 {
			io.WriteString(w, `{"error":[{"message":"delete failed"}]}`)
		}
	case r.Method == http.MethodPost && r.URL.Path == "/v1/objects":
		f.mu.Lock()
		f.created++
		f.mu.Unlock()
		io.WriteString(w, `{}`)
	default:
		http.NotFound(w, r)
	}
}

func newFakeWeaviateIndex(t *testing.T, deleteStatus int) (*WeaviateIndex, *fakeWeaviate) {
	t.Helper()
	fake := &fakeWeaviate{deleteStatus: deleteStatus}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	idx, err := NewWeaviateIndex(strings.TrimPrefix(srv.URL, "http://"), "http", "MedicalRecord", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return idx, fake
}

func TestWeaviateUpsert(t *testing.T) {
	tests := []struct {
		name         string
		deleteStatus int
		wantErr      bool
	}{
		{name: "replaces existing object", deleteStatus: http.StatusNoContent},
		{name: "first upsert of a record", deleteStatus: http.StatusNotFound},
		{name: "delete fails", deleteStatus: http.StatusInternalServerError, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, fake := newFakeWeaviateIndex(t, tt.deleteStatus)

			err := idx.Upsert(context.Background(), Entry{RecordID: 7, Condition: "asthma", Vector: []float32{1, 0}})
			fake.mu.Lock()
			defer fake.mu.Unlock()
			if tt.wantErr {
				assert.ErrorContains(t, err, "failed to replace embedding")
				assert.Zero(t, fake.created)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, fake.created)
		})
	}
}
