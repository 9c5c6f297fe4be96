package opensearch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/types"
)

func sampleDocs() []types.IndexDocument {
	return []types.IndexDocument{
		{ID: "p1", Index: "products", Version: 1700000000000000, Action: types.ActionIndex,
			Payload: map[string]any{"Title": "Lamp", "Price": 19.5, "Tags": []any{"a&b"}}},
		{ID: "p2", Index: "products", Version: 1700000000000001, Action: types.ActionDelete},
	}
}

func TestEncodeBulkGolden(t *testing.T) {
	body, err := EncodeBulk(sampleDocs())
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "bulk_body", body)
}

func TestEncodeBulkRejectsUnknownAction(t *testing.T) {
	_, err := EncodeBulk([]types.IndexDocument{{ID: "x", Index: "i", Action: "upsert"}})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func bulkServer(t *testing.T, status int, items string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_bulk", r.URL.Path)
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))
		w.WriteHeader(status)
		io.WriteString(w, items)
	}))
}

func TestBulkClassifiesItems(t *testing.T) {
	resp := `{"errors":true,"items":[
		{"index":{"_id":"a","status":201,"result":"created"}},
		{"index":{"_id":"b","status":409,"error":{"type":"version_conflict_engine_exception","reason":"current version is higher"}}},
		{"delete":{"_id":"c","status":404,"result":"not_found"}},
		{"index":{"_id":"d","status":429,"error":{"type":"es_rejected_execution_exception","reason":"queue full"}}},
		{"index":{"_id":"e","status":400,"error":{"type":"mapper_parsing_exception","reason":"failed to parse field"}}},
		{"index":{"_id":"f","status":413,"error":{"type":"too_large","reason":"too big"}}},
		{"index":{"_id":"g","status":503,"error":{"type":"unavailable_shards_exception","reason":"primary shard is not active"}}}
	]}`
	srv := bulkServer(t, http.StatusOK, resp)
	defer srv.Close()

	c, err := New(Options{Hosts: []string{srv.URL}}, zap.NewNop())
	require.NoError(t, err)

	docs := make([]types.IndexDocument, 7)
	for i, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		docs[i] = types.IndexDocument{ID: id, Index: "products", Version: 1, Action: types.ActionIndex}
	}
	docs[2].Action = types.ActionDelete

	res, err := c.Bulk(context.Background(), docs)
	require.NoError(t, err)
	require.Len(t, res, 7)

	assert.Equal(t, types.Accepted, res[0].Outcome)
	assert.Equal(t, types.Superseded, res[1].Outcome)
	assert.Equal(t, types.Accepted, res[2].Outcome)
	assert.Equal(t, types.TransientFailure, res[3].Outcome)
	assert.Equal(t, types.PermanentFailure, res[4].Outcome)
	assert.Equal(t, types.CategoryValidation, res[4].Category)
	assert.Contains(t, res[4].Reason, "mapper_parsing_exception")
	assert.Equal(t, types.CategoryRejected, res[5].Category)
	assert.Equal(t, types.TransientFailure, res[6].Outcome)
}

func TestBulkRequestLevelErrors(t *testing.T) {
	docs := []types.IndexDocument{{ID: "a", Index: "products", Version: 1, Action: types.ActionIndex}}
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusForbidden, false},
	}
	for _, tc := range cases {
		srv := bulkServer(t, tc.status, `{"error":"x"}`)
		c, err := New(Options{Hosts: []string{srv.URL}}, zap.NewNop())
		require.NoError(t, err)
		_, err = c.Bulk(context.Background(), docs)
		require.Error(t, err)
		assert.Equal(t, tc.transient, types.IsTransient(err), "status %d", tc.status)
		assert.False(t, errors.Is(err, types.ErrValidation), "status %d", tc.status)
		srv.Close()
	}
}

func TestSingleDocumentRejectedAsWhole(t *testing.T) {
	docs := []types.IndexDocument{{ID: "a", Index: "products", Version: 1, Action: types.ActionIndex}}
	cases := map[int]types.FailureCategory{
		http.StatusBadRequest:            types.CategoryValidation,
		http.StatusRequestEntityTooLarge: types.CategoryRejected,
	}
	for status, category := range cases {
		srv := bulkServer(t, status, `{"error":"x"}`)
		c, err := New(Options{Hosts: []string{srv.URL}}, zap.NewNop())
		require.NoError(t, err)
		res, err := c.Bulk(context.Background(), docs)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, types.PermanentFailure, res[0].Outcome)
		assert.Equal(t, category, res[0].Category)
		assert.Equal(t, status, res[0].Status)
		srv.Close()
	}
}

// bulkIDs returns the document ids of the action lines in an NDJSON body.
func bulkIDs(t *testing.T, body []byte) (ids, actions []string) {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	for i := 0; i < len(lines); i++ {
		var meta map[string]actionMeta
		require.NoError(t, json.Unmarshal([]byte(lines[i]), &meta))
		for action, m := range meta {
			ids = append(ids, m.ID)
			actions = append(actions, action)
			if action == "index" {
				i++
			}
		}
	}
	return ids, actions
}

// acceptingServer answers every item with 201 unless reject says the whole
// request must fail.
func acceptingServer(t *testing.T, reject func(ids []string) int, requests *[][]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		ids, actions := bulkIDs(t, body)
		*requests = append(*requests, ids)
		if status := reject(ids); status != 0 {
			w.WriteHeader(status)
			io.WriteString(w, `{"error":{"type":"too_large"}}`)
			return
		}
		items := make([]any, len(ids))
		for i, id := range ids {
			items[i] = map[string]any{actions[i]: map[string]any{"_id": id, "status": 201}}
		}
		json.NewEncoder(w).Encode(map[string]any{"errors": false, "items": items})
	}))
}

func TestBulkIsolatesUnencodableDocument(t *testing.T) {
	var requests [][]string
	srv := acceptingServer(t, func([]string) int { return 0 }, &requests)
	defer srv.Close()
	c, err := New(Options{Hosts: []string{srv.URL}}, zap.NewNop())
	require.NoError(t, err)

	docs := []types.IndexDocument{
		{ID: "a", Index: "products", Version: 1, Action: types.ActionIndex, Payload: map[string]any{"Price": 1.5}},
		{ID: "b", Index: "products", Version: 1, Action: types.ActionIndex, Payload: map[string]any{"Price": math.NaN()}},
		{ID: "c", Index: "products", Version: 1, Action: types.ActionDelete},
	}
	res, err := c.Bulk(context.Background(), docs)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, types.Accepted, res[0].Outcome)
	assert.Equal(t, types.PermanentFailure, res[1].Outcome)
	assert.Equal(t, types.CategoryValidation, res[1].Category)
	assert.Equal(t, types.Accepted, res[2].Outcome)
	assert.Equal(t, [][]string{{"a", "c"}}, requests)
}

func TestBulkSplitsRequestRejectedAsWhole(t *testing.T) {
	var requests [][]string
	// any request carrying "big" is too large
	srv := acceptingServer(t, func(ids []string) int {
		for _, id := range ids {
			if id == "big" {
				return http.StatusRequestEntityTooLarge
			}
		}
		return 0
	}, &requests)
	defer srv.Close()
	c, err := New(Options{Hosts: []string{srv.URL}}, zap.NewNop())
	require.NoError(t, err)

	var docs []types.IndexDocument
	for _, id := range []string{"a", "b", "big", "d"} {
		docs = append(docs, types.IndexDocument{ID: id, Index: "products", Version: 1, Action: types.ActionIndex})
	}
	res, err := c.Bulk(context.Background(), docs)
	require.NoError(t, err)
	require.Len(t, res, 4)
	for i, id := range []string{"a", "b", "d"} {
		j := []int{0, 1, 3}[i]
		assert.Equal(t, types.Accepted, res[j].Outcome, id)
	}
	assert.Equal(t, types.PermanentFailure, res[2].Outcome)
	assert.Equal(t, types.CategoryRejected, res[2].Category)
	assert.Equal(t, [][]string{{"a", "b", "big", "d"}, {"a", "b"}, {"big", "d"}, {"big"}, {"d"}}, requests)
}

func TestBulkItemCountMismatchIsTransient(t *testing.T) {
	srv := bulkServer(t, http.StatusOK, `{"errors":false,"items":[]}`)
	defer srv.Close()
	c, err := New(Options{Hosts: []string{srv.URL}}, zap.NewNop())
	require.NoError(t, err)
	_, err = c.Bulk(context.Background(), sampleDocs())
	assert.True(t, types.IsTransient(err))
}

func TestBulkSignsWithSigV4(t *testing.T) {
	var auth, sha string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		sha = r.Header.Get("X-Amz-Content-Sha256")
		json.NewEncoder(w).Encode(map[string]any{"items": []any{
			map[string]any{"index": map[string]any{"_id": "p1", "status": 200}},
			map[string]any{"delete": map[string]any{"_id": "p2", "status": 200}},
		}})
	}))
	defer srv.Close()

	c, err := New(Options{
		Hosts:       []string{srv.URL},
		Credentials: credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
		Region:      "us-east-1",
		Service:     "aoss",
	}, zap.NewNop())
	require.NoError(t, err)
	_, err = c.Bulk(context.Background(), sampleDocs())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKID/"))
	assert.Contains(t, auth, "/us-east-1/aoss/aws4_request")
	assert.Len(t, sha, 64)
}

func TestBasicAuth(t *testing.T) {
	var user, pass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		io.WriteString(w, `{"version":{"number":"2.13.0"}}`)
	}))
	defer srv.Close()
	c, err := New(Options{Hosts: []string{srv.URL}, Username: "admin", Password: "pw"}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "admin", user)
	assert.Equal(t, "pw", pass)
}

func TestNormalizeBaseURL(t *testing.T) {
	got, err := normalizeBaseURL("search.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://search.example.com", got)
	got, err = normalizeBaseURL("http://localhost:9200")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9200", got)
	_, err = New(Options{}, zap.NewNop())
	assert.Error(t, err)
}
