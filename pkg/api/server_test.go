package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/notebroker/pkg/assetgc"
	"github.com/cuemby/notebroker/pkg/hub"
	"github.com/cuemby/notebroker/pkg/kernel"
	"github.com/cuemby/notebroker/pkg/multiplexer"
	"github.com/cuemby/notebroker/pkg/scheduler"
	"github.com/cuemby/notebroker/pkg/storage"
	"github.com/cuemby/notebroker/pkg/types"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

type fakeKernelSender struct {
	mux *multiplexer.Multiplexer
}

func (k *fakeKernelSender) EnsureKernel(notebookKey string) (*types.KernelSession, error) {
	return &types.KernelSession{NotebookKey: notebookKey}, nil
}

func (k *fakeKernelSender) Send(notebookKey string, f kernel.Frame) error {
	if f.Type == kernel.FrameExecute {
		go k.mux.Deliver(notebookKey, kernel.Frame{ParentMsgID: f.MsgID, Type: kernel.FrameStatus, Payload: "idle"})
	}
	return nil
}

func (k *fakeKernelSender) Interrupt(notebookKey string) error             { return nil }
func (k *fakeKernelSender) SubmitInput(notebookKey, taskID, value string) error { return nil }

type fakeKernelController struct {
	sessions []*types.KernelSession
}

func (f *fakeKernelController) ListSessions() []*types.KernelSession { return f.sessions }
func (f *fakeKernelController) IsAlive(notebookKey string) bool      { return true }
func (f *fakeKernelController) Interrupt(notebookKey string) error   { return nil }
func (f *fakeKernelController) Shutdown(notebookKey string) error    { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := hub.New(time.Second)
	mux := multiplexer.NewMultiplexer(1000, h)
	kern := &fakeKernelSender{mux: mux}
	sched := scheduler.New(scheduler.Config{DefaultTimeout: 2 * time.Second}, store, kern, mux, h)

	assets, err := assetgc.New(store, t.TempDir(), 24*time.Hour)
	require.NoError(t, err)

	controller := &fakeKernelController{sessions: []*types.KernelSession{
		{NotebookKey: "nb1", KernelPID: 123, StartedAt: time.Now()},
	}}

	return NewServer("127.0.0.1:0", testToken, sched, controller, h, assets)
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestSubmitExecutionAndStatus(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(submitExecutionRequest{NotebookKey: "nb1", Source: "1+1"})
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/executions", bytes.NewReader(body)))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var submitResp submitExecutionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&submitResp))
	require.NotEmpty(t, submitResp.TaskID)

	require.Eventually(t, func() bool {
		req := authed(httptest.NewRequest(http.MethodGet, "/v1/executions/status?task_id="+submitResp.TaskID, nil))
		w := httptest.NewRecorder()
		s.mux.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			return false
		}
		var execResp executionResponse
		_ = json.NewDecoder(w.Body).Decode(&execResp)
		return execResp.Status == "completed"
	}, time.Second, 5*time.Millisecond)
}

func TestUnauthorizedRequestRejected(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListActiveSessions(t *testing.T) {
	s := newTestServer(t)

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp listSessionsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Sessions, 1)
	require.Equal(t, "nb1", resp.Sessions[0].NotebookKey)
	require.Equal(t, "alive", resp.Sessions[0].Status)
}

func TestFetchAssetRoundTrips(t *testing.T) {
	s := newTestServer(t)

	path, err := s.assets.StoreAsset("nb1", []byte("hello"), ".bin")
	require.NoError(t, err)

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/assets/fetch?asset_path="+path, nil))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp fetchAssetResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "application/octet-stream", resp.MIME)

	data, err := base64.StdEncoding.DecodeString(resp.Base64Bytes)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestDuplicateSubmissionReturnsConflict(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(submitExecutionRequest{NotebookKey: "nb1", Source: "x", TaskID: "dup"})
	req1 := authed(httptest.NewRequest(http.MethodPost, "/v1/executions", bytes.NewReader(body)))
	w1 := httptest.NewRecorder()
	s.mux.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusAccepted, w1.Code)

	req2 := authed(httptest.NewRequest(http.MethodPost, "/v1/executions", bytes.NewReader(body)))
	w2 := httptest.NewRecorder()
	s.mux.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusConflict, w2.Code)
}
