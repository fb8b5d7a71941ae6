package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
)

func newTestContext(t *testing.T, handler http.Handler) *Context {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewContext(srv.URL+"/api", 5*time.Second, logger.Nop())
	require.NoError(t, err)
	return c
}

func TestExchange(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		if r.PostForm.Get("username") != "ada" || r.PostForm.Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Incorrect username or password"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(TokenResponse{AccessToken: "tok-1", TokenType: "bearer"})
	})
	c := newTestContext(t, mux)

	token, err := Credentials{}.Exchange(context.Background(), c, "ada", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	_, err = Credentials{}.Exchange(context.Background(), c, "ada", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "Incorrect username or password")
}

func TestNotebooksRoundTrip(t *testing.T) {
	stored := map[string][]byte{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/notebooks/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		name := strings.TrimPrefix(r.URL.Path, "/api/v1/notebooks/")
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			stored[name] = body
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			body, ok := stored[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"detail":"Notebook not found"}`))
				return
			}
			_, _ = w.Write(body)
		case http.MethodPatch:
			var req struct {
				NewFilename string `json:"new_filename"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if _, exists := stored[req.NewFilename]; exists {
				w.WriteHeader(http.StatusConflict)
				return
			}
			stored[req.NewFilename] = stored[name]
			delete(stored, name)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	c := newTestContext(t, mux).WithToken("tok")
	ctx := context.Background()
	store := Notebooks{}

	doc := models.NewDocument()
	doc.Cells[0].Source = []string{"print('hi')"}
	require.NoError(t, store.Put(ctx, c, "a.ipynb", doc))

	got, err := store.Get(ctx, c, "a.ipynb")
	require.NoError(t, err)
	assert.Equal(t, doc.Cells[0].ID, got.Cells[0].ID)
	assert.Equal(t, "print('hi')", got.Cells[0].Text())

	require.NoError(t, store.Put(ctx, c, "b.ipynb", doc))
	err = store.Rename(ctx, c, "a.ipynb", "b.ipynb")
	assert.True(t, IsStatus(err, http.StatusConflict))

	_, err = store.Get(ctx, c, "missing.ipynb")
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.Contains(t, err.Error(), "Notebook not found")
}

func TestFilesUploadAndList(t *testing.T) {
	mux := http.NewServeMux()
	var uploaded bytes.Buffer
	mux.HandleFunc("/api/v1/files/upload", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		_, _ = io.Copy(&uploaded, file)
		_ = json.NewEncoder(w).Encode(FileInfo{Filename: header.Filename, SizeKB: 0.01})
	})
	mux.HandleFunc("/api/v1/files", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]FileInfo{{Filename: "data.csv", SizeKB: 1.5}})
	})
	c := newTestContext(t, mux).WithToken("tok")

	info, err := Files{}.Upload(context.Background(), c, "data.csv", strings.NewReader("a,b\n1,2\n"))
	require.NoError(t, err)
	assert.Equal(t, "data.csv", info.Filename)
	assert.Equal(t, "a,b\n1,2\n", uploaded.String())

	list, err := Files{}.List(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, []FileInfo{{Filename: "data.csv", SizeKB: 1.5}}, list)
}

func TestExecuteURL(t *testing.T) {
	c, err := NewContext("https://nb.example.com/api/", time.Second, logger.Nop())
	require.NoError(t, err)

	assert.Equal(t, "wss://nb.example.com/api/v1/execute?token=a+b", c.WithToken("a b").ExecuteURL())
	assert.False(t, c.Authenticated())
	assert.True(t, c.WithToken("x").Authenticated())
	assert.Equal(t, "", c.WithToken("x").Anonymous().Token())

	_, err = NewContext("ftp://nb", time.Second, logger.Nop())
	assert.Error(t, err)
}
