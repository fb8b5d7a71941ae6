package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegasus-notebook/pegasus/internal/api"
	"github.com/pegasus-notebook/pegasus/internal/common/config"
	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
	"github.com/pegasus-notebook/pegasus/internal/server/auth"
	"github.com/pegasus-notebook/pegasus/internal/server/files"
	"github.com/pegasus-notebook/pegasus/internal/server/history"
	"github.com/pegasus-notebook/pegasus/internal/server/kernel"
	"github.com/pegasus-notebook/pegasus/internal/server/notebooks"
	"github.com/pegasus-notebook/pegasus/pkg/protocol"
)

type echoRuntime struct{}

func (echoRuntime) Ping(ctx context.Context) error { return nil }

func (echoRuntime) Run(ctx context.Context, req kernel.Request, stdout, stderr io.Writer) (kernel.Result, error) {
	_, _ = io.WriteString(stdout, "ran "+req.Code+"\n")
	return kernel.Result{}, nil
}

func (echoRuntime) Stats(ctx context.Context, id string) (protocol.ResourceStats, error) {
	return protocol.ResourceStats{}, nil
}

func (echoRuntime) Close() error { return nil }

type testServer struct {
	url     string
	api     *api.Context
	history *history.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Nop()
	dir := t.TempDir()

	authSvc, err := auth.NewService(config.AuthConfig{Username: "ada", Password: "secret", JWTSecret: "s3cret"}, log)
	require.NoError(t, err)
	nb, err := notebooks.NewStore(filepath.Join(dir, "Notebooks"), log)
	require.NoError(t, err)
	fs, err := files.NewStore(filepath.Join(dir, "Uploads"), log)
	require.NoError(t, err)
	hist, err := history.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	k := kernel.New(echoRuntime{}, kernel.NewHub(log), hist, fs, kernel.Options{StatsInterval: time.Hour}, log)
	h := NewHandlers(authSvc, nb, fs, hist, k, log)
	h.AppTitle = "Test Notebook"

	router := NewRouter(log)
	RegisterRoutes(router, h, auth.NewLimiter(60, 3))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	apiCtx, err := api.NewContext(srv.URL+"/api", 5*time.Second, log)
	require.NoError(t, err)
	return &testServer{url: srv.URL, api: apiCtx, history: hist}
}

func (s *testServer) login(t *testing.T) *api.Context {
	t.Helper()
	token, err := api.Credentials{}.Exchange(context.Background(), s.api, "ada", "secret")
	require.NoError(t, err)
	return s.api.WithToken(token)
}

func TestTokenEndpoint(t *testing.T) {
	s := newTestServer(t)

	_, err := api.Credentials{}.Exchange(context.Background(), s.api, "ada", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrUnauthorized)

	authed := s.login(t)
	assert.True(t, authed.Authenticated())
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.url + "/api/v1/notebooks")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Could not validate credentials", body["detail"])

	_, err = api.Notebooks{}.List(context.Background(), s.api.WithToken("garbage"))
	assert.ErrorIs(t, err, api.ErrUnauthorized)
}

func TestStatus(t *testing.T) {
	s := newTestServer(t)
	status, err := api.Status(context.Background(), s.api)
	require.NoError(t, err)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "Test Notebook", status.AppTitle)
}

func TestNotebookLifecycle(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	authed := s.login(t)
	nb := api.Notebooks{}

	doc := models.NewDocument()
	doc.Cells[0].Source = models.SplitSource("print('hi')")
	require.NoError(t, nb.Put(ctx, authed, "demo.ipynb", doc))

	list, err := nb.List(ctx, authed)
	require.NoError(t, err)
	assert.Equal(t, []api.NotebookInfo{{Filename: "demo.ipynb"}}, list)

	got, err := nb.Get(ctx, authed, "demo.ipynb")
	require.NoError(t, err)
	require.Len(t, got.Cells, 1)
	assert.Equal(t, "print('hi')", got.Cells[0].Text())
	assert.Equal(t, doc.Cells[0].ID, got.Cells[0].ID)

	require.NoError(t, nb.Put(ctx, authed, "other.ipynb", models.NewDocument()))
	err = nb.Rename(ctx, authed, "demo.ipynb", "other")
	assert.True(t, api.IsStatus(err, http.StatusConflict))
	require.NoError(t, nb.Rename(ctx, authed, "demo.ipynb", "renamed"))

	var buf bytes.Buffer
	require.NoError(t, nb.Download(ctx, authed, "renamed.ipynb", &buf))
	assert.Contains(t, buf.String(), "print('hi')")

	require.NoError(t, nb.Delete(ctx, authed, "renamed.ipynb"))
	_, err = nb.Get(ctx, authed, "renamed.ipynb")
	assert.True(t, api.IsStatus(err, http.StatusNotFound))
}

func TestSaveRejectsInvalidNotebook(t *testing.T) {
	s := newTestServer(t)
	authed := s.login(t)

	req, err := http.NewRequest(http.MethodPut, s.url+"/api/v1/notebooks/bad.ipynb", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+authed.Token())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFileLifecycle(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	authed := s.login(t)
	fl := api.Files{}

	info, err := fl.Upload(ctx, authed, "data.csv", strings.NewReader("a,b\n1,2\n"))
	require.NoError(t, err)
	assert.Equal(t, "data.csv", info.Filename)

	list, err := fl.List(ctx, authed)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "data.csv", list[0].Filename)

	var buf bytes.Buffer
	require.NoError(t, fl.Download(ctx, authed, "data.csv", &buf))
	assert.Equal(t, "a,b\n1,2\n", buf.String())

	require.NoError(t, fl.Delete(ctx, authed, "data.csv"))
	err = fl.Delete(ctx, authed, "data.csv")
	assert.True(t, api.IsStatus(err, http.StatusNotFound))
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f protocol.ServerFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestExecuteSocket(t *testing.T) {
	s := newTestServer(t)
	authed := s.login(t)

	conn, _, err := websocket.DefaultDialer.Dial(authed.ExecuteURL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.Execute("1 + 1")))
	f := readFrame(t, conn)
	assert.Equal(t, protocol.FrameStream, f.Type)
	assert.Equal(t, "ran 1 + 1\n", f.Text())
	assert.Equal(t, protocol.FrameStdout, readFrame(t, conn).Type)
	assert.Equal(t, protocol.FrameFilesystemUpdate, readFrame(t, conn).Type)

	var list []history.Execution
	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodGet, s.url+"/api/v1/executions?limit=5", nil)
		req.Header.Set("Authorization", "Bearer "+authed.Token())
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		list = nil
		return json.NewDecoder(resp.Body).Decode(&list) == nil && len(list) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "1 + 1", list[0].Code)
	assert.Equal(t, history.StatusCompleted, list[0].Status)
}

func TestExecuteSocketRejectsBadToken(t *testing.T) {
	s := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(s.api.WithToken("nope").ExecuteURL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.CloseAuthRejected, closeErr.Code)
}

func TestExecutionsLimitValidation(t *testing.T) {
	s := newTestServer(t)
	authed := s.login(t)

	req, _ := http.NewRequest(http.MethodGet, s.url+"/api/v1/executions?limit=abc", nil)
	req.Header.Set("Authorization", "Bearer "+authed.Token())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTokenEndpointIsRateLimited(t *testing.T) {
	s := newTestServer(t)
	form := url.Values{"username": {"ada"}, "password": {"wrong"}}

	var last int
	for i := 0; i < 4; i++ {
		resp, err := http.PostForm(s.url+"/api/v1/auth/token", form)
		require.NoError(t, err)
		last = resp.StatusCode
		_ = resp.Body.Close()
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
