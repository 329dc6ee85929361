package flushes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/flushes/flushes/atproto/client"
	"github.com/flushes/flushes/atproto/syntax"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testStore(t *testing.T) *Store {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	s, err := NewStore(db)
	require.NoError(t, err)
	return s
}

type storedRecord struct {
	rkey  string
	value json.RawMessage
}

// Minimal PDS: repo write procedures plus listRecords, with records kept per DID.
type fakePDS struct {
	srv *httptest.Server

	lk       sync.Mutex
	repos    map[string]map[string]json.RawMessage
	writes   []string
	pageSize int
	rev      int
}

func newFakePDS(t *testing.T) *fakePDS {
	f := &fakePDS{repos: map[string]map[string]json.RawMessage{}, pageSize: 2}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakePDS) put(did, rkey string, value any) {
	b, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	f.lk.Lock()
	defer f.lk.Unlock()
	if f.repos[did] == nil {
		f.repos[did] = map[string]json.RawMessage{}
	}
	f.repos[did][rkey] = b
}

func (f *fakePDS) get(did, rkey string) (json.RawMessage, bool) {
	f.lk.Lock()
	defer f.lk.Unlock()
	v, ok := f.repos[did][rkey]
	return v, ok
}

func (f *fakePDS) writeLog() []string {
	f.lk.Lock()
	defer f.lk.Unlock()
	return append([]string{}, f.writes...)
}

func (f *fakePDS) apiClient(did syntax.DID) *client.APIClient {
	c := client.NewAPIClient(f.srv.URL)
	c.HTTPClient = f.srv.Client()
	c.AccountDID = &did
	return c
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (f *fakePDS) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/xrpc/com.atproto.repo.createRecord", "/xrpc/com.atproto.repo.putRecord":
		var in struct {
			Repo       string          `json:"repo"`
			Collection string          `json:"collection"`
			RKey       string          `json:"rkey"`
			Record     json.RawMessage `json:"record"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, 400, map[string]string{"error": "InvalidRequest", "message": err.Error()})
			return
		}
		f.put(in.Repo, in.RKey, in.Record)
		f.lk.Lock()
		f.writes = append(f.writes, r.URL.Path[len("/xrpc/"):]+" "+in.RKey)
		f.rev++
		cid := fmt.Sprintf("bafyrev%d", f.rev)
		f.lk.Unlock()
		writeJSON(w, 200, map[string]string{
			"uri": fmt.Sprintf("at://%s/%s/%s", in.Repo, in.Collection, in.RKey),
			"cid": cid,
		})
	case "/xrpc/com.atproto.repo.deleteRecord":
		var in struct {
			Repo string `json:"repo"`
			RKey string `json:"rkey"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, 400, map[string]string{"error": "InvalidRequest"})
			return
		}
		f.lk.Lock()
		delete(f.repos[in.Repo], in.RKey)
		f.writes = append(f.writes, "com.atproto.repo.deleteRecord "+in.RKey)
		f.lk.Unlock()
		writeJSON(w, 200, map[string]string{})
	case "/xrpc/com.atproto.repo.listRecords":
		repo := r.URL.Query().Get("repo")
		offset := 0
		if c := r.URL.Query().Get("cursor"); c != "" {
			offset, _ = strconv.Atoi(c)
		}
		f.lk.Lock()
		var all []storedRecord
		for k, v := range f.repos[repo] {
			all = append(all, storedRecord{rkey: k, value: v})
		}
		pageSize := f.pageSize
		f.lk.Unlock()
		sort.Slice(all, func(i, j int) bool { return all[i].rkey > all[j].rkey })

		out := map[string]any{}
		records := []map[string]any{}
		end := min(offset+pageSize, len(all))
		for _, rec := range all[min(offset, len(all)):end] {
			records = append(records, map[string]any{
				"uri":   fmt.Sprintf("at://%s/%s/%s", repo, Collection, rec.rkey),
				"cid":   "bafy" + rec.rkey,
				"value": rec.value,
			})
		}
		out["records"] = records
		if end < len(all) {
			out["cursor"] = strconv.Itoa(end)
		}
		writeJSON(w, 200, out)
	default:
		writeJSON(w, 404, map[string]string{"error": "MethodNotImplemented"})
	}
}
