package esstore

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type storedDoc struct {
	seqNo  int64
	source json.RawMessage
}

// fakeCluster implements the handful of document endpoints the accessor uses,
// including _create conflicts and if_seq_no checks.
type fakeCluster struct {
	mu       sync.Mutex
	docs     map[string]storedDoc
	seq      int64
	failGets bool
}

func newFakeCluster(t *testing.T) (*fakeCluster, *httptest.Server) {
	t.Helper()
	c := &fakeCluster{docs: map[string]storedDoc{}}
	srv := httptest.NewServer(c)
	t.Cleanup(srv.Close)
	return c, srv
}

func (c *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/" {
		_, _ = io.WriteString(w, `{"version":{"number":"8.19.3"},"tagline":"You Know, for Search"}`)
		return
	}
	if r.URL.Path == "/_cluster/health" {
		_, _ = io.WriteString(w, `{"status":"green"}`)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 3 {
		http.Error(w, `{"error":"bad path"}`, http.StatusBadRequest)
		return
	}
	endpoint, id := parts[1], parts[2]

	c.mu.Lock()
	defer c.mu.Unlock()
	current, exists := c.docs[id]

	switch {
	case r.Method == http.MethodGet && endpoint == "_doc":
		if c.failGets {
			http.Error(w, `{"error":"shard failure"}`, http.StatusServiceUnavailable)
			return
		}
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"found":false}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"found": true, "_seq_no": current.seqNo, "_primary_term": 1, "_source": current.source,
		})
	case r.Method == http.MethodPut && endpoint == "_create":
		if exists {
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"error":{"type":"version_conflict_engine_exception"}}`)
			return
		}
		c.store(w, r, id, http.StatusCreated)
	case r.Method == http.MethodPut && endpoint == "_doc":
		if raw := r.URL.Query().Get("if_seq_no"); raw != "" {
			seqNo, _ := strconv.ParseInt(raw, 10, 64)
			if !exists || seqNo != current.seqNo || r.URL.Query().Get("if_primary_term") != "1" {
				w.WriteHeader(http.StatusConflict)
				_, _ = io.WriteString(w, `{"error":{"type":"version_conflict_engine_exception"}}`)
				return
			}
		}
		c.store(w, r, id, http.StatusOK)
	case r.Method == http.MethodDelete && endpoint == "_doc":
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"result":"not_found"}`)
			return
		}
		delete(c.docs, id)
		_, _ = io.WriteString(w, `{"result":"deleted"}`)
	default:
		http.Error(w, `{"error":"unsupported"}`, http.StatusMethodNotAllowed)
	}
}

func (c *fakeCluster) store(w http.ResponseWriter, r *http.Request, id string, status int) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"read"}`, http.StatusBadRequest)
		return
	}
	c.seq++
	c.docs[id] = storedDoc{seqNo: c.seq, source: body}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"_id": id, "_seq_no": c.seq, "result": "created"})
}
