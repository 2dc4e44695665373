package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"authsync/internal/config"
	"authsync/internal/lease"
	"authsync/internal/reconcile"
	"authsync/internal/store"
)

const testSyncToken = "test-sync-token"

type fakeDataStore struct {
	projects map[int64]store.Project
	groups   map[int64]store.Namespace
	links    map[[2]int64]bool
}

func newFakeDataStore() *fakeDataStore {
	return &fakeDataStore{
		projects: map[int64]store.Project{7: {ID: 7, NamespaceID: 1, Name: "deploy", Path: "deploy"}},
		groups:   map[int64]store.Namespace{10: {ID: 10, Name: "platform", Path: "platform"}},
		links:    map[[2]int64]bool{},
	}
}

func (f *fakeDataStore) GetProject(ctx context.Context, id int64) (store.Project, error) {
	project, ok := f.projects[id]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (f *fakeDataStore) GetNamespace(ctx context.Context, id int64) (store.Namespace, error) {
	group, ok := f.groups[id]
	if !ok {
		return store.Namespace{}, sql.ErrNoRows
	}
	return group, nil
}

func (f *fakeDataStore) CreateProjectGroupLink(ctx context.Context, projectID, groupID int64) (store.ProjectGroupLink, error) {
	f.links[[2]int64{projectID, groupID}] = true
	return store.ProjectGroupLink{ID: 1, ProjectID: projectID, GroupID: groupID}, nil
}

func (f *fakeDataStore) DeleteProjectGroupLink(ctx context.Context, projectID, groupID int64) (bool, error) {
	key := [2]int64{projectID, groupID}
	if !f.links[key] {
		return false, nil
	}
	delete(f.links, key)
	return true, nil
}

func (f *fakeDataStore) Ping(ctx context.Context) error {
	return nil
}

type fakeEngine struct {
	reconciled [][2]int64
	revoked    [][2]int64
	err        error
}

func (f *fakeEngine) Reconcile(ctx context.Context, projectID, groupID int64) error {
	if f.err != nil {
		return f.err
	}
	f.reconciled = append(f.reconciled, [2]int64{projectID, groupID})
	return nil
}

func (f *fakeEngine) Revoke(ctx context.Context, projectID, groupID int64) error {
	if f.err != nil {
		return f.err
	}
	f.revoked = append(f.revoked, [2]int64{projectID, groupID})
	return nil
}

type fakeLease struct {
	held map[[2]int64]bool
}

func (f *fakeLease) Acquire(ctx context.Context, projectID, groupID int64) (func(context.Context) error, error) {
	key := [2]int64{projectID, groupID}
	if f.held[key] {
		return nil, lease.ErrHeld
	}
	return func(context.Context) error { return nil }, nil
}

func (f *fakeLease) Ping(ctx context.Context) error {
	return nil
}

func testServer(dataStore *fakeDataStore, engine *fakeEngine) *HTTPServer {
	cfg := config.Config{SyncToken: testSyncToken}
	return NewHTTPServer(New(cfg, dataStore, engine), "*")
}

func doRequest(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("X-Authsync-Token", token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func TestShareRequiresSyncToken(t *testing.T) {
	server := testServer(newFakeDataStore(), &fakeEngine{})
	handler := server.Handler()

	response := doRequest(t, handler, http.MethodPost, "/api/projects/7/group-links", "", `{"groupId":10}`)
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", response.Code)
	}

	response = doRequest(t, handler, http.MethodPost, "/api/projects/7/group-links", "wrong-token", `{"groupId":10}`)
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong token = %d, want 401", response.Code)
	}
}

func TestShareTriggersReconcile(t *testing.T) {
	dataStore := newFakeDataStore()
	engine := &fakeEngine{}
	handler := testServer(dataStore, engine).Handler()

	response := doRequest(t, handler, http.MethodPost, "/api/projects/7/group-links", testSyncToken, `{"groupId":10}`)
	if response.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", response.Code, response.Body.String())
	}
	if len(engine.reconciled) != 1 || engine.reconciled[0] != [2]int64{7, 10} {
		t.Fatalf("reconciled pairs = %v, want [[7 10]]", engine.reconciled)
	}
	if !dataStore.links[[2]int64{7, 10}] {
		t.Fatal("group link was not recorded")
	}
}

func TestShareUnknownProject(t *testing.T) {
	engine := &fakeEngine{}
	handler := testServer(newFakeDataStore(), engine).Handler()

	response := doRequest(t, handler, http.MethodPost, "/api/projects/99/group-links", testSyncToken, `{"groupId":10}`)
	if response.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", response.Code)
	}
	if len(engine.reconciled) != 0 {
		t.Fatalf("engine ran for unknown project: %v", engine.reconciled)
	}
}

func TestShareMissingGroupID(t *testing.T) {
	handler := testServer(newFakeDataStore(), &fakeEngine{}).Handler()

	response := doRequest(t, handler, http.MethodPost, "/api/projects/7/group-links", testSyncToken, `{}`)
	if response.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", response.Code)
	}
}

func TestShareConflictWhileRunning(t *testing.T) {
	dataStore := newFakeDataStore()
	engine := &fakeEngine{}
	cfg := config.Config{SyncToken: testSyncToken}
	runLease := &fakeLease{held: map[[2]int64]bool{{7, 10}: true}}
	handler := NewHTTPServer(NewWithLease(cfg, dataStore, engine, runLease), "*").Handler()

	response := doRequest(t, handler, http.MethodPost, "/api/projects/7/group-links", testSyncToken, `{"groupId":10}`)
	if response.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", response.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(response.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["code"] != "RUN_IN_PROGRESS" {
		t.Fatalf("code = %v, want RUN_IN_PROGRESS", body["code"])
	}
}

func TestUnshareTriggersRevoke(t *testing.T) {
	dataStore := newFakeDataStore()
	dataStore.links[[2]int64{7, 10}] = true
	engine := &fakeEngine{}
	handler := testServer(dataStore, engine).Handler()

	response := doRequest(t, handler, http.MethodDelete, "/api/projects/7/group-links/10", testSyncToken, "")
	if response.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", response.Code, response.Body.String())
	}
	if len(engine.revoked) != 1 || engine.revoked[0] != [2]int64{7, 10} {
		t.Fatalf("revoked pairs = %v, want [[7 10]]", engine.revoked)
	}
	if dataStore.links[[2]int64{7, 10}] {
		t.Fatal("group link still present after unshare")
	}
}

func TestUnshareMissingLink(t *testing.T) {
	handler := testServer(newFakeDataStore(), &fakeEngine{}).Handler()

	response := doRequest(t, handler, http.MethodDelete, "/api/projects/7/group-links/10", testSyncToken, "")
	if response.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", response.Code)
	}
}

func TestShareMapsEngineErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "source unavailable",
			err:        &reconcile.SourceError{GroupID: 10, Err: fmt.Errorf("unreachable")},
			wantStatus: http.StatusBadGateway,
			wantCode:   "SOURCE_UNAVAILABLE",
		},
		{
			name:       "store write failed",
			err:        &reconcile.StoreError{ProjectID: 7, Batch: 2, UserIDs: []int64{1, 2}, Err: fmt.Errorf("constraint")},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "STORE_WRITE_FAILED",
		},
		{
			name:       "invariant violation",
			err:        &reconcile.StoreError{ProjectID: 7, Batch: 1, UserIDs: []int64{1}, Err: store.ErrDuplicateAuthorization},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INVARIANT_VIOLATION",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := &fakeEngine{err: tc.err}
			handler := testServer(newFakeDataStore(), engine).Handler()

			response := doRequest(t, handler, http.MethodPost, "/api/projects/7/group-links", testSyncToken, `{"groupId":10}`)
			if response.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", response.Code, tc.wantStatus)
			}
			var body map[string]any
			if err := json.Unmarshal(response.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["code"] != tc.wantCode {
				t.Fatalf("code = %v, want %v", body["code"], tc.wantCode)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	handler := testServer(newFakeDataStore(), &fakeEngine{}).Handler()

	response := doRequest(t, handler, http.MethodGet, "/api/health", "", "")
	if response.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", response.Code)
	}
}

func TestReady(t *testing.T) {
	handler := testServer(newFakeDataStore(), &fakeEngine{}).Handler()

	response := doRequest(t, handler, http.MethodGet, "/api/ready", "", "")
	if response.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", response.Code)
	}
}
