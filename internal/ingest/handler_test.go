package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splatbox/backend/internal/models"
	"github.com/splatbox/backend/internal/scenes"
	"github.com/splatbox/backend/pkg/queue"
	"github.com/splatbox/backend/pkg/storage"
)

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Retryable bool            `json:"retryable"`
}

type server struct {
	*deps
	notifier *scenes.LocalNotifier
	router   *gin.Engine
}

func newServer(t *testing.T, cfg Config) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	d := newDeps(cfg)
	notifier := scenes.NewLocalNotifier()
	store := scenes.NewNotifyingStore(d.store, notifier, nil)
	d.gw = NewGateway(store, d.blobs, d.queue, cfg, nil)

	r := gin.New()
	h := NewHandler(d.gw, scenes.NewTerminalCache(d.store, 16, time.Minute), notifier, nil)
	h.SetPresigner(d.blobs, 10*time.Minute)
	h.Register(r)
	return &server{deps: d, notifier: notifier, router: r}
}

func uploadRequest(t *testing.T, filename, format string, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(body)
		require.NoError(t, err)
	}
	if format != "" {
		require.NoError(t, mw.WriteField("format", format))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/scenes", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (s *server) do(req *http.Request) (*httptest.ResponseRecorder, envelope) {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestHandler_UploadAccepted(t *testing.T) {
	s := newServer(t, Config{})

	w, env := s.do(uploadRequest(t, "scene.glb", "", []byte("payload")))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.True(t, env.Success)

	var sub Submission
	require.NoError(t, json.Unmarshal(env.Data, &sub))
	assert.Equal(t, models.StatusQueued, sub.Status)
	assert.NotEqual(t, uuid.Nil, sub.SceneID)

	w, env = s.do(httptest.NewRequest(http.MethodGet, "/scenes/"+sub.SceneID.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	var view SceneView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, models.StatusQueued, view.Status)
	assert.Equal(t, 0, view.AttemptCount)
	assert.Nil(t, view.LastError)
	assert.Equal(t, models.FormatGLB, view.Format)
}

func TestHandler_UploadErrors(t *testing.T) {
	cases := []struct {
		name      string
		setup     func(s *server)
		req       func(t *testing.T) *http.Request
		code      int
		retryable bool
	}{
		{
			name: "unsupported format",
			req:  func(t *testing.T) *http.Request { return uploadRequest(t, "model.obj", "", []byte("v 1 2 3")) },
			code: http.StatusBadRequest,
		},
		{
			name: "unsupported suffix with supported format field",
			req:  func(t *testing.T) *http.Request { return uploadRequest(t, "model.obj", "glb", []byte("v 1 2 3")) },
			code: http.StatusBadRequest,
		},
		{
			name: "format field disagrees with suffix",
			req:  func(t *testing.T) *http.Request { return uploadRequest(t, "scene.glb", "splat", []byte("x")) },
			code: http.StatusBadRequest,
		},
		{
			name: "missing file",
			req:  func(t *testing.T) *http.Request { return uploadRequest(t, "", "glb", nil) },
			code: http.StatusBadRequest,
		},
		{
			name: "empty file",
			req:  func(t *testing.T) *http.Request { return uploadRequest(t, "scene.glb", "", nil) },
			code: http.StatusBadRequest,
		},
		{
			name: "too large",
			req:  func(t *testing.T) *http.Request { return uploadRequest(t, "scene.glb", "", bytes.Repeat([]byte("x"), 64)) },
			code: http.StatusRequestEntityTooLarge,
		},
		{
			name:      "storage down",
			setup:     func(s *server) { s.blobs.FailPut = assert.AnError },
			req:       func(t *testing.T) *http.Request { return uploadRequest(t, "scene.glb", "", []byte("x")) },
			code:      http.StatusServiceUnavailable,
			retryable: true,
		},
		{
			name:      "queue down",
			setup:     func(s *server) { s.queue.FailEnqueue = queue.ErrUnavailable },
			req:       func(t *testing.T) *http.Request { return uploadRequest(t, "scene.glb", "", []byte("x")) },
			code:      http.StatusServiceUnavailable,
			retryable: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newServer(t, Config{MaxUploadBytes: 32})
			if tc.setup != nil {
				tc.setup(s)
			}
			w, env := s.do(tc.req(t))
			assert.Equal(t, tc.code, w.Code, w.Body.String())
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
			assert.Equal(t, tc.retryable, env.Retryable)
		})
	}
}

func TestHandler_GetErrors(t *testing.T) {
	s := newServer(t, Config{})

	w, _ := s.do(httptest.NewRequest(http.MethodGet, "/scenes/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(httptest.NewRequest(http.MethodGet, "/scenes/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_GetReportsFailure(t *testing.T) {
	ctx := context.Background()
	s := newServer(t, Config{})
	_, env := s.do(uploadRequest(t, "room.splat", "", []byte("x")))
	var sub Submission
	require.NoError(t, json.Unmarshal(env.Data, &sub))

	reason := "permanent failure: invalid splat"
	_, err := s.store.CompareAndSwapStatus(ctx, sub.SceneID, models.StatusQueued, models.StatusProcessing, scenes.Update{IncrementAttempt: true})
	require.NoError(t, err)
	_, err = s.store.CompareAndSwapStatus(ctx, sub.SceneID, models.StatusProcessing, models.StatusFailed, scenes.Update{LastError: &reason})
	require.NoError(t, err)

	w, env := s.do(httptest.NewRequest(http.MethodGet, "/scenes/"+sub.SceneID.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	var view SceneView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, models.StatusFailed, view.Status)
	assert.Equal(t, 1, view.AttemptCount)
	require.NotNil(t, view.LastError)
	assert.Equal(t, reason, *view.LastError)
}

func TestHandler_GetLinksArtifactOfCompleteScene(t *testing.T) {
	ctx := context.Background()
	s := newServer(t, Config{})
	_, env := s.do(uploadRequest(t, "scene.glb", "", []byte("x")))
	var sub Submission
	require.NoError(t, json.Unmarshal(env.Data, &sub))

	get := func() SceneView {
		w, env := s.do(httptest.NewRequest(http.MethodGet, "/scenes/"+sub.SceneID.String(), nil))
		require.Equal(t, http.StatusOK, w.Code)
		var view SceneView
		require.NoError(t, json.Unmarshal(env.Data, &view))
		return view
	}
	assert.Empty(t, get().ArtifactURL, "no link before completion")

	key := storage.ArtifactKey(sub.SceneID.String())
	require.NoError(t, s.blobs.Put(ctx, key, "application/json", []byte("{}")))
	_, err := s.store.CompareAndSwapStatus(ctx, sub.SceneID, models.StatusQueued, models.StatusProcessing, scenes.Update{IncrementAttempt: true})
	require.NoError(t, err)
	_, err = s.store.CompareAndSwapStatus(ctx, sub.SceneID, models.StatusProcessing, models.StatusComplete, scenes.Update{ArtifactKey: &key})
	require.NoError(t, err)

	view := get()
	assert.Equal(t, models.StatusComplete, view.Status)
	require.NotNil(t, view.ArtifactKey)
	assert.Equal(t, key, *view.ArtifactKey)
	assert.Equal(t, "memory://"+key+"?expires=600", view.ArtifactURL)
}

func TestHandler_EventStream(t *testing.T) {
	ctx := context.Background()
	s := newServer(t, Config{})
	_, env := s.do(uploadRequest(t, "scene.glb", "", []byte("x")))
	var sub Submission
	require.NoError(t, json.Unmarshal(env.Data, &sub))

	srv := httptest.NewServer(s.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/scenes/" + sub.SceneID.String() + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot struct {
		Event string    `json:"event"`
		Data  SceneView `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, eventSnapshot, snapshot.Event)
	assert.Equal(t, models.StatusQueued, snapshot.Data.Status)

	store := scenes.NewNotifyingStore(s.store, s.notifier, nil)
	_, err = store.CompareAndSwapStatus(ctx, sub.SceneID, models.StatusQueued, models.StatusProcessing, scenes.Update{IncrementAttempt: true})
	require.NoError(t, err)
	_, err = store.CompareAndSwapStatus(ctx, sub.SceneID, models.StatusProcessing, models.StatusComplete, scenes.Update{})
	require.NoError(t, err)

	var got []models.Status
	for len(got) < 2 {
		var msg struct {
			Event string       `json:"event"`
			Data  scenes.Event `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, eventStatus, msg.Event)
		got = append(got, msg.Data.To)
	}
	assert.Equal(t, []models.Status{models.StatusProcessing, models.StatusComplete}, got)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHandler_EventStreamUnknownScene(t *testing.T) {
	s := newServer(t, Config{})
	w, _ := s.do(httptest.NewRequest(http.MethodGet, "/scenes/"+uuid.NewString()+"/events", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
