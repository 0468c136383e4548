package tower

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler, mutate func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL + "/api"
	cfg.Token = "secret-token"
	cfg.MinSpacing = 0
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresEndpointAndToken(t *testing.T) {
	_, err := NewClient(Config{Token: "x"})
	assert.Error(t, err)

	_, err = NewClient(Config{Endpoint: "https://tower.nf/api"})
	assert.Error(t, err)
}

func TestClient_ListComputeEnvs_SendsAuthAndWorkspace(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/compute-envs", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "42", r.URL.Query().Get("workspaceId"))
		_, _ = io.WriteString(w, `{"computeEnvs":[{"id":"ce1","name":"loginauto","primary":true}]}`)
	}), func(cfg *Config) {
		cfg.WorkspaceID = "42"
	})

	envs, err := client.ListComputeEnvs(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "ce1", envs[0].ID)
	assert.True(t, envs[0].Primary)
}

func TestClient_NoWorkspaceParamWhenUnset(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.URL.Query()["workspaceId"]
		assert.False(t, present)
		_, _ = io.WriteString(w, `{"credentials":[]}`)
	}), nil)

	creds, err := client.ListCredentials(context.Background())
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestClient_UnexpectedStatusIsAPIError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		call   func(c *Client) error
		verb   string
	}{
		{
			name:   "create compute with 201",
			status: http.StatusCreated,
			verb:   http.MethodPost,
			call: func(c *Client) error {
				_, err := c.CreateComputeEnv(context.Background(), validComputeSpec())
				return err
			},
		},
		{
			name:   "update credential with 200",
			status: http.StatusOK,
			verb:   http.MethodPut,
			call: func(c *Client) error {
				return c.UpdateCredential(context.Background(), "cred1", NewSSHCredential("loginauto", "", "KEY"))
			},
		},
		{
			name:   "delete pipeline with 500",
			status: http.StatusInternalServerError,
			verb:   http.MethodDelete,
			call: func(c *Client) error {
				return c.DeletePipeline(context.Background(), "7")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"message":"nope"}`)
			}), nil)

			err := tt.call(client)
			require.Error(t, err)
			apiErr, ok := AsAPIError(err)
			require.True(t, ok, "expected APIError, got %T", err)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.verb, apiErr.Verb)
			assert.Contains(t, apiErr.Body, "nope")
		})
	}
}

func TestClient_InvalidSpecNeverReachesServer(t *testing.T) {
	var hits int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}), nil)

	_, err := client.CreateCredential(context.Background(), NewSSHCredential("loginauto", "", ""))
	assert.ErrorIs(t, err, ErrInvalidSpec)

	spec := validComputeSpec()
	spec.Platform = "not-a-platform"
	_, err = client.CreateComputeEnv(context.Background(), spec)
	assert.ErrorIs(t, err, ErrInvalidSpec)

	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestClient_CreateCredential_Body(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		cred := body["credentials"]
		assert.Equal(t, "loginauto", cred["name"])
		assert.Equal(t, "tw-agent", cred["provider"])
		_, hasID := cred["id"]
		assert.False(t, hasID)
		keys := cred["keys"].(map[string]interface{})
		assert.Equal(t, "loginauto", keys["connectionId"])
		assert.Equal(t, "/scratch", keys["workDir"])
		assert.Equal(t, false, keys["shared"])
		_, _ = io.WriteString(w, `{"credentialsId":"cred9"}`)
	}), nil)

	id, err := client.CreateCredential(context.Background(), NewAgentCredential("loginauto", "", "loginauto", "/scratch"))
	require.NoError(t, err)
	assert.Equal(t, "cred9", id)
}

func TestClient_CreatePipeline_LabelIDsAreNumbers(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			LabelIDs []json.RawMessage `json:"labelIds"`
			Launch   struct {
				Revision   string `json:"revision"`
				PullLatest bool   `json:"pullLatest"`
			} `json:"launch"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.LabelIDs, 2)
		assert.Equal(t, "11", string(body.LabelIDs[0]))
		assert.Equal(t, "12", string(body.LabelIDs[1]))
		assert.Equal(t, "3.14.0", body.Launch.Revision)
		assert.True(t, body.Launch.PullLatest)
		_, _ = io.WriteString(w, `{"pipeline":{"pipelineId":99,"name":"sarek_loginauto"}}`)
	}), nil)

	spec := PipelineSpec{
		Name: "sarek_loginauto",
		Launch: LaunchSpec{
			ComputeEnvID: "ce1",
			Pipeline:     "https://github.com/nf-core/sarek",
			Revision:     "3.14.0",
			WorkDir:      "/scratch",
			PullLatest:   true,
		},
		LabelIDs: IDList{"11", "12"},
	}
	id, err := client.CreatePipeline(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "99", id)
}

func TestClient_MakePrimaryExpectsNoContent(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/compute-envs/ce1/primary", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}), nil)

	require.NoError(t, client.MakeComputeEnvPrimary(context.Background(), "ce1"))
}

func TestClient_ListPipelinesAndLabels_Query(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pipelines", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "labels", r.URL.Query().Get("attributes"))
		_, _ = io.WriteString(w, `{"pipelines":[{"pipelineId":5,"name":"rnaseq_loginauto","labels":[{"id":1,"name":"rna"}]}]}`)
	})
	mux.HandleFunc("/api/labels", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "9999", r.URL.Query().Get("max"))
		_, _ = io.WriteString(w, `{"labels":[{"id":1,"name":"rna"}]}`)
	})
	client := newTestClient(t, mux, nil)

	pipelines, err := client.ListPipelines(context.Background())
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	assert.Equal(t, "5", pipelines[0].ID())
	assert.Equal(t, "1", pipelines[0].Labels[0].ID.String())

	labels, err := client.ListLabels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rna", labels[0].Name)
}

func TestClient_WorkspaceIDByName(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/user-info", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"user":{"id":17,"userName":"alice"}}`)
	})
	mux.HandleFunc("/api/user/17/workspaces", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"orgsAndWorkspaces":[{"orgId":1,"orgName":"lab"},{"orgId":1,"workspaceId":300,"workspaceName":"genomics"}]}`)
	})
	client := newTestClient(t, mux, nil)

	id, err := client.WorkspaceIDByName(context.Background(), "genomics")
	require.NoError(t, err)
	assert.Equal(t, "300", id)

	id, err = client.WorkspaceIDByName(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, id)

	name, err := client.UserName(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
}

func TestClient_ConcurrencyCap(t *testing.T) {
	var inFlight, peak int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.WriteHeader(http.StatusNoContent)
	}), func(cfg *Config) {
		cfg.MaxInFlight = 3
	})

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, client.DeleteLabel(context.Background(), "1"))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(0))
}

func TestClient_MinSpacing(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), func(cfg *Config) {
		cfg.MinSpacing = 20 * time.Millisecond
	})

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, client.DeleteCredential(context.Background(), "c"))
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
}

func TestClient_WithWorkspaceSharesLimits(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "9", r.URL.Query().Get("workspaceId"))
		_, _ = io.WriteString(w, `{"labels":[]}`)
	}), nil)

	scoped := client.WithWorkspace("9")
	assert.Same(t, client.sem, scoped.sem)
	assert.Same(t, client.limiter, scoped.limiter)
	assert.Empty(t, client.WorkspaceID())

	_, err := scoped.ListLabels(context.Background())
	require.NoError(t, err)
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ObserveRequest(verb, resource string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, verb+" "+resource)
}

func TestClient_ObserverSeesResource(t *testing.T) {
	obs := &recordingObserver{}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), func(cfg *Config) {
		cfg.Observer = obs
	})

	require.NoError(t, client.DeleteComputeEnv(context.Background(), "ce1"))
	assert.Equal(t, []string{"DELETE compute-envs"}, obs.calls)
}

func TestLookups(t *testing.T) {
	envs := []ComputeEnv{
		{ID: "a", Name: "other", Primary: true},
		{ID: "b", Name: "loginauto"},
	}
	assert.Equal(t, "b", ComputeEnvIDByName(envs, "loginauto"))
	assert.Empty(t, ComputeEnvIDByName(envs, "missing"))
	assert.Equal(t, "a", PrimaryComputeEnvID(envs))
	assert.Empty(t, PrimaryComputeEnvID(nil))

	creds := []Credential{{ID: "c1", Name: "loginauto", Provider: ProviderSSH}}
	require.NotNil(t, CredentialByName(creds, "loginauto"))
	assert.Nil(t, CredentialByName(creds, "missing"))
}

func validComputeSpec() ComputeEnvSpec {
	return ComputeEnvSpec{
		Name:          "loginauto",
		CredentialsID: "cred1",
		Platform:      "slurm-platform",
		Config: ComputeConfig{
			WorkDir:  "/scratch",
			UserName: "alice",
			HostName: "login1.hpc.example.org",
		},
	}
}
