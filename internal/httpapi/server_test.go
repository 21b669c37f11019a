package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailpipe/internal/index"
	"github.com/brandon/mailpipe/internal/llm"
	"github.com/brandon/mailpipe/internal/vector"
	"github.com/brandon/mailpipe/pkg/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type fixture struct {
	server *Server
	store  *index.Store
}

func newFixture(t *testing.T, llmClient *llm.Client) *fixture {
	t.Helper()
	idx, err := index.NewIndex(filepath.Join(t.TempDir(), "index.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	store := index.NewStore(idx, testLogger())
	vectors, err := vector.NewStore(idx.DB(), testLogger())
	require.NoError(t, err)

	if llmClient == nil {
		llmClient = llm.NewClient("", "", testLogger())
	}

	return &fixture{
		server: NewServer(":0", store, llmClient, vectors, testLogger()),
		store:  store,
	}
}

func (f *fixture) do(method, path string) *httptest.ResponseRecorder {
	return f.doJSON(method, path, "")
}

func (f *fixture) doJSON(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func seedDoc(t *testing.T, store *index.Store, id, subject string) {
	t.Helper()
	require.NoError(t, store.Put(&types.EmailDocument{
		ID:          id,
		AccountName: "acct-1",
		Folder:      "INBOX",
		Subject:     subject,
		Body:        "body of " + subject,
		From:        "alice@example.com",
		Recipients:  []string{"sales@example.com"},
		Date:        time.Date(2025, 8, 5, 10, 30, 0, 0, time.UTC),
		Category:    types.CategoryUncategorized,
		IndexedAt:   time.Now().UTC(),
	}))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListEmails(t *testing.T) {
	f := newFixture(t, nil)
	seedDoc(t, f.store, "doc-1", "pricing question")
	seedDoc(t, f.store, "doc-2", "out of office")

	rec := f.do(http.MethodGet, "/emails?q=pricing")

	require.Equal(t, http.StatusOK, rec.Code)
	var result index.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 1, result.Total)
	assert.Equal(t, "doc-1", result.Hits[0].ID)
}

func TestGetEmail(t *testing.T) {
	f := newFixture(t, nil)
	seedDoc(t, f.store, "doc-1", "pricing question")

	rec := f.do(http.MethodGet, "/emails/doc-1")

	require.Equal(t, http.StatusOK, rec.Code)
	var doc types.EmailDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "pricing question", doc.Subject)
}

func TestGetEmailNotFound(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/emails/absent")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSuggestReplyUnconfigured(t *testing.T) {
	f := newFixture(t, nil)
	seedDoc(t, f.store, "doc-1", "pricing question")

	rec := f.do(http.MethodPost, "/emails/doc-1/suggest-reply")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSuggestReply(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/embed":
			json.NewEncoder(w).Encode(map[string]interface{}{"embedding": []float32{1, 0, 0}})
		case "/generate":
			json.NewEncoder(w).Encode(map[string]string{"reply": "Happy to walk you through pricing."})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer remote.Close()

	f := newFixture(t, llm.NewClient(remote.URL, "", testLogger()))
	seedDoc(t, f.store, "doc-1", "pricing question")

	rec := f.do(http.MethodPost, "/emails/doc-1/suggest-reply")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "doc-1", resp["id"])
	assert.Equal(t, "Happy to walk you through pricing.", resp["reply"])
}

func TestPutReplyContext(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"embedding": []float32{1, 0, 0}})
	}))
	defer remote.Close()

	f := newFixture(t, llm.NewClient(remote.URL, "", testLogger()))

	rec := f.doJSON(http.MethodPost, "/reply-context", `{"content":"pricing starts at $10 per seat"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["id"])
}

func TestPutReplyContextValidation(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"embedding": []float32{1, 0, 0}})
	}))
	defer remote.Close()

	f := newFixture(t, llm.NewClient(remote.URL, "", testLogger()))

	rec := f.doJSON(http.MethodPost, "/reply-context", `{"content":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.doJSON(http.MethodPost, "/reply-context", `{"content":"x"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestPutReplyContextUnconfigured(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.doJSON(http.MethodPost, "/reply-context", `{"content":"snippet"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSuggestReplyUsesStoredContext(t *testing.T) {
	var gotContext []string
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/embed":
			json.NewEncoder(w).Encode(map[string]interface{}{"embedding": []float32{1, 0, 0}})
		case "/generate":
			var req struct {
				Context []string `json:"context"`
			}
			json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
			gotContext = req.Context
			json.NewEncoder(w).Encode(map[string]string{"reply": "See pricing below."})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer remote.Close()

	f := newFixture(t, llm.NewClient(remote.URL, "", testLogger()))
	seedDoc(t, f.store, "doc-1", "pricing question")

	rec := f.doJSON(http.MethodPost, "/reply-context", `{"content":"pricing starts at $10 per seat"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodPost, "/emails/doc-1/suggest-reply")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"pricing starts at $10 per seat"}, gotContext)
}
