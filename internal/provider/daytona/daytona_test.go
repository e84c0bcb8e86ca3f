package daytona_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/provider/daytona"
)

// fakeAPI is an in-memory stand-in for the managed sandbox API.
type fakeAPI struct {
	mu sync.Mutex

	sandboxes map[string]map[string]interface{} // keyed by sandbox ID.
	nextID    int

	listCalls   int
	execResults []fakeExecResult
	lastCreate  map[string]interface{}
	lastExec    string
}

type fakeExecResult struct {
	ExitCode int
	Result   string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{sandboxes: map[string]map[string]interface{}{}}
}

func (f *fakeAPI) addSandbox(name, state, runnerDomain string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := fmt.Sprintf("sbx-%d", f.nextID)
	f.sandboxes[id] = map[string]interface{}{
		"id":           id,
		"name":         name,
		"state":        state,
		"runnerDomain": runnerDomain,
	}
	return id
}

func (f *fakeAPI) queueExec(exitCode int, result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execResults = append(f.execResults, fakeExecResult{ExitCode: exitCode, Result: result})
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("POST /sandbox", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		body := map[string]interface{}{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.lastCreate = body

		f.nextID++
		id := fmt.Sprintf("sbx-%d", f.nextID)
		sb := map[string]interface{}{
			"id":    id,
			"name":  body["name"],
			"state": "started",
		}
		f.sandboxes[id] = sb
		writeJSON(t, w, http.StatusOK, sb)
	})

	mux.HandleFunc("GET /sandbox", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.listCalls++
		list := []map[string]interface{}{}
		for _, sb := range f.sandboxes {
			list = append(list, sb)
		}
		writeJSON(t, w, http.StatusOK, list)
	})

	mux.HandleFunc("GET /sandbox/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		sb, ok := f.sandboxes[r.PathValue("id")]
		if !ok {
			writeJSON(t, w, http.StatusNotFound, map[string]string{"message": "sandbox not found"})
			return
		}
		writeJSON(t, w, http.StatusOK, sb)
	})

	mux.HandleFunc("POST /sandbox/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		sb, ok := f.sandboxes[r.PathValue("id")]
		if !ok {
			writeJSON(t, w, http.StatusNotFound, map[string]string{"message": "sandbox not found"})
			return
		}
		if sb["state"] == "stopped" {
			writeJSON(t, w, http.StatusBadRequest, map[string]string{"message": "sandbox is already stopped"})
			return
		}
		sb["state"] = "stopped"
		writeJSON(t, w, http.StatusOK, sb)
	})

	mux.HandleFunc("POST /sandbox/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		sb, ok := f.sandboxes[r.PathValue("id")]
		if !ok {
			writeJSON(t, w, http.StatusNotFound, map[string]string{"message": "sandbox not found"})
			return
		}
		sb["state"] = "started"
		writeJSON(t, w, http.StatusOK, sb)
	})

	mux.HandleFunc("POST /sandbox/{id}/archive", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		sb, ok := f.sandboxes[r.PathValue("id")]
		if !ok {
			writeJSON(t, w, http.StatusNotFound, map[string]string{"message": "sandbox not found"})
			return
		}
		sb["state"] = "archived"
		writeJSON(t, w, http.StatusOK, sb)
	})

	mux.HandleFunc("DELETE /sandbox/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		id := r.PathValue("id")
		if _, ok := f.sandboxes[id]; !ok {
			writeJSON(t, w, http.StatusNotFound, map[string]string{"message": "sandbox not found"})
			return
		}
		delete(f.sandboxes, id)
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /toolbox/{id}/process/execute", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		body := map[string]string{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.lastExec = body["command"]

		result := fakeExecResult{ExitCode: 0}
		if len(f.execResults) > 0 {
			result = f.execResults[0]
			f.execResults = f.execResults[1:]
		}
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"exitCode": result.ExitCode,
			"result":   result.Result,
		})
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			writeJSON(t, w, http.StatusUnauthorized, map[string]string{"message": "invalid api key"})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func newTestProvider(t *testing.T, api *fakeAPI, extraEnv map[string]string) *daytona.Provider {
	t.Helper()

	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)

	envMap := map[string]string{
		daytona.EnvAPIKey:   "test-key",
		daytona.EnvAPIURL:   server.URL,
		daytona.EnvSnapshot: "agent-os:stable",
	}
	for k, v := range extraEnv {
		envMap[k] = v
	}

	p, err := daytona.NewProvider(daytona.ProviderConfig{Env: envMap})
	require.NoError(t, err)

	return p
}

func TestNewProviderValidation(t *testing.T) {
	tests := map[string]struct {
		env map[string]string
	}{
		"Missing API key is a hard startup error": {
			env: map[string]string{daytona.EnvAPIURL: "http://api", daytona.EnvSnapshot: "s"},
		},
		"Missing API URL is a hard startup error": {
			env: map[string]string{daytona.EnvAPIKey: "k", daytona.EnvSnapshot: "s"},
		},
		"Missing default snapshot is a hard startup error": {
			env: map[string]string{daytona.EnvAPIKey: "k", daytona.EnvAPIURL: "http://api"},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := daytona.NewProvider(daytona.ProviderConfig{Env: tt.env})
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrNotValid))
		})
	}
}

func TestCreateTunnelsEntrypointArguments(t *testing.T) {
	api := newFakeAPI()
	p := newTestProvider(t, api, nil)

	// Sentinel file observed on the first poll.
	api.queueExec(0, "")

	sb, err := p.Create(context.Background(), model.CreateSandboxOptions{
		ExternalID:          "agent-1",
		Name:                "Agent one",
		EnvVars:             map[string]string{"FOO": "bar"},
		EntrypointArguments: []string{"node", "server.js", "--port", "3000"},
	})
	require.NoError(t, err)

	envVars := api.lastCreate["env"].(map[string]interface{})
	assert.Equal(t, "bar", envVars["FOO"])
	assert.Equal(t, "node\tserver.js\t--port\t3000", envVars["ITERATE_ENTRYPOINT_ARGS"])
	assert.Equal(t, "agent-os:stable", api.lastCreate["snapshot"])

	// The resolved sandbox ID lands in the persisted metadata.
	md, err := sb.Metadata(context.Background())
	require.NoError(t, err)
	require.NotNil(t, md.Daytona)
	assert.NotEmpty(t, md.Daytona.SandboxID)
}

func TestLazySandboxIDResolutionIsMemoized(t *testing.T) {
	api := newFakeAPI()
	id := api.addSandbox("agent-2", "started", "")
	p := newTestProvider(t, api, nil)

	// No sandbox ID in metadata: the handle resolves it by name.
	sb, err := p.Sandbox(context.Background(), "agent-2", nil)
	require.NoError(t, err)

	state := sb.State(context.Background())
	assert.Equal(t, "started", state.State)
	state = sb.State(context.Background())
	assert.Equal(t, "started", state.State)

	assert.Equal(t, 1, api.listCalls)

	md, err := sb.Metadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, md.Daytona.SandboxID)
}

func TestStopSwallowsAlreadyStopped(t *testing.T) {
	api := newFakeAPI()
	id := api.addSandbox("agent-3", "stopped", "")
	p := newTestProvider(t, api, nil)

	sb, err := p.Sandbox(context.Background(), "agent-3", &model.Metadata{
		Type:    model.ProviderTypeDaytona,
		Daytona: &model.DaytonaMetadata{SandboxID: id},
	})
	require.NoError(t, err)

	require.NoError(t, sb.Stop(context.Background()))
}

func TestDeleteIsIdempotent(t *testing.T) {
	api := newFakeAPI()
	id := api.addSandbox("agent-4", "started", "")
	p := newTestProvider(t, api, nil)

	sb, err := p.Sandbox(context.Background(), "agent-4", &model.Metadata{
		Type:    model.ProviderTypeDaytona,
		Daytona: &model.DaytonaMetadata{SandboxID: id},
	})
	require.NoError(t, err)

	require.NoError(t, sb.Delete(context.Background()))
	require.NoError(t, sb.Delete(context.Background()))
}

func TestStateNeverErrors(t *testing.T) {
	api := newFakeAPI()
	p := newTestProvider(t, api, nil)

	// Unknown sandbox ID: the backend answers 404.
	sb, err := p.Sandbox(context.Background(), "agent-5", &model.Metadata{
		Type:    model.ProviderTypeDaytona,
		Daytona: &model.DaytonaMetadata{SandboxID: "sbx-missing"},
	})
	require.NoError(t, err)

	state := sb.State(context.Background())
	assert.Equal(t, model.StateUnknown, state.State)
}

func TestBaseURLUsesProxyDomain(t *testing.T) {
	tests := map[string]struct {
		runnerDomain string
		extraEnv     map[string]string
		expURL       string
	}{
		"Backend-reported runner domain wins": {
			runnerDomain: "runner-7.daytona.example",
			expURL:       "https://8080-%s.runner-7.daytona.example",
		},
		"Configured proxy domain is the fallback": {
			extraEnv: map[string]string{daytona.EnvProxyDomain: "proxy.example.dev"},
			expURL:   "https://8080-%s.proxy.example.dev",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			api := newFakeAPI()
			id := api.addSandbox("agent-6", "started", tt.runnerDomain)
			p := newTestProvider(t, api, tt.extraEnv)

			// Resolve by name so the runner domain is learned from the listing.
			sb, err := p.Sandbox(context.Background(), "agent-6", nil)
			require.NoError(t, err)

			baseURL, err := sb.BaseURL(context.Background(), 8080)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf(tt.expURL, id), baseURL)
		})
	}
}

func TestExecNonZeroExitCarriesOutput(t *testing.T) {
	api := newFakeAPI()
	id := api.addSandbox("agent-7", "started", "")
	p := newTestProvider(t, api, nil)

	api.queueExec(127, "sh: nope: command not found")

	sb, err := p.Sandbox(context.Background(), "agent-7", &model.Metadata{
		Type:    model.ProviderTypeDaytona,
		Daytona: &model.DaytonaMetadata{SandboxID: id},
	})
	require.NoError(t, err)

	_, err = sb.Exec(context.Background(), []string{"nope", "--flag"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 127")
	assert.Contains(t, err.Error(), "command not found")
	assert.Equal(t, "'nope' '--flag'", api.lastExec)
}
