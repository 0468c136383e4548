package tower

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// CurrentUser returns the authenticated user.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var resp struct {
		User User `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "user-info", nil, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// UserName returns the login name of the authenticated user.
func (c *Client) UserName(ctx context.Context) (string, error) {
	user, err := c.CurrentUser(ctx)
	if err != nil {
		return "", err
	}
	return user.UserName, nil
}

// ListWorkspaces lists the organisations and workspaces visible to userID.
func (c *Client) ListWorkspaces(ctx context.Context, userID string) ([]Workspace, error) {
	var resp struct {
		OrgsAndWorkspaces []Workspace `json:"orgsAndWorkspaces"`
	}
	path := fmt.Sprintf("user/%s/workspaces", url.PathEscape(userID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.OrgsAndWorkspaces, nil
}

// WorkspaceIDByName resolves a workspace name for the current user. It returns
// "" when no workspace has that name.
func (c *Client) WorkspaceIDByName(ctx context.Context, name string) (string, error) {
	user, err := c.CurrentUser(ctx)
	if err != nil {
		return "", err
	}
	workspaces, err := c.ListWorkspaces(ctx, user.ID.String())
	if err != nil {
		return "", err
	}
	for _, ws := range workspaces {
		if ws.WorkspaceName == name && ws.WorkspaceID != "" {
			return ws.WorkspaceID.String(), nil
		}
	}
	return "", nil
}

// ListComputeEnvs lists compute environments in scope.
func (c *Client) ListComputeEnvs(ctx context.Context) ([]ComputeEnv, error) {
	var resp struct {
		ComputeEnvs []ComputeEnv `json:"computeEnvs"`
	}
	if err := c.do(ctx, http.MethodGet, "compute-envs", nil, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.ComputeEnvs, nil
}

// GetComputeEnv fetches a single compute environment.
func (c *Client) GetComputeEnv(ctx context.Context, id string) (*ComputeEnv, error) {
	var resp struct {
		ComputeEnv ComputeEnv `json:"computeEnv"`
	}
	if err := c.do(ctx, http.MethodGet, "compute-envs/"+url.PathEscape(id), nil, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp.ComputeEnv, nil
}

// CreateComputeEnv creates a compute environment and returns its id.
func (c *Client) CreateComputeEnv(ctx context.Context, spec ComputeEnvSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	spec.ID = ""
	var resp struct {
		ComputeEnvID string `json:"computeEnvId"`
	}
	body := map[string]interface{}{"computeEnv": spec}
	if err := c.do(ctx, http.MethodPost, "compute-envs", nil, body, http.StatusOK, &resp); err != nil {
		return "", err
	}
	return resp.ComputeEnvID, nil
}

// UpdateComputeEnv replaces compute environment id in place.
func (c *Client) UpdateComputeEnv(ctx context.Context, id string, spec ComputeEnvSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	spec.ID = id
	body := map[string]interface{}{"computeEnv": spec}
	return c.do(ctx, http.MethodPut, "compute-envs/"+url.PathEscape(id), nil, body, http.StatusNoContent, nil)
}

// DeleteComputeEnv deletes compute environment id.
func (c *Client) DeleteComputeEnv(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "compute-envs/"+url.PathEscape(id), nil, nil, http.StatusNoContent, nil)
}

// MakeComputeEnvPrimary marks compute environment id as the workspace primary.
func (c *Client) MakeComputeEnvPrimary(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "compute-envs/"+url.PathEscape(id)+"/primary", nil, struct{}{}, http.StatusNoContent, nil)
}

// ListCredentials lists credentials in scope.
func (c *Client) ListCredentials(ctx context.Context) ([]Credential, error) {
	var resp struct {
		Credentials []Credential `json:"credentials"`
	}
	if err := c.do(ctx, http.MethodGet, "credentials", nil, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Credentials, nil
}

// CreateCredential creates a credential and returns its id.
func (c *Client) CreateCredential(ctx context.Context, spec CredentialSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	spec.ID = ""
	var resp struct {
		CredentialsID string `json:"credentialsId"`
	}
	body := map[string]interface{}{"credentials": spec}
	if err := c.do(ctx, http.MethodPost, "credentials", nil, body, http.StatusOK, &resp); err != nil {
		return "", err
	}
	return resp.CredentialsID, nil
}

// UpdateCredential replaces credential id in place.
func (c *Client) UpdateCredential(ctx context.Context, id string, spec CredentialSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	spec.ID = id
	body := map[string]interface{}{"credentials": spec}
	return c.do(ctx, http.MethodPut, "credentials/"+url.PathEscape(id), nil, body, http.StatusNoContent, nil)
}

// DeleteCredential deletes credential id.
func (c *Client) DeleteCredential(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "credentials/"+url.PathEscape(id), nil, nil, http.StatusNoContent, nil)
}

// ListPipelines lists pipelines with their labels attached.
func (c *Client) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	var resp struct {
		Pipelines []Pipeline `json:"pipelines"`
	}
	query := url.Values{"attributes": []string{"labels"}}
	if err := c.do(ctx, http.MethodGet, "pipelines", query, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Pipelines, nil
}

// CreatePipeline creates a pipeline and returns its id.
func (c *Client) CreatePipeline(ctx context.Context, spec PipelineSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	var resp struct {
		Pipeline Pipeline `json:"pipeline"`
	}
	if err := c.do(ctx, http.MethodPost, "pipelines", nil, spec, http.StatusOK, &resp); err != nil {
		return "", err
	}
	return resp.Pipeline.ID(), nil
}

// UpdatePipeline replaces pipeline id in place.
func (c *Client) UpdatePipeline(ctx context.Context, id string, spec PipelineSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, "pipelines/"+url.PathEscape(id), nil, spec, http.StatusOK, nil)
}

// DeletePipeline deletes pipeline id.
func (c *Client) DeletePipeline(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "pipelines/"+url.PathEscape(id), nil, nil, http.StatusNoContent, nil)
}

// ListLabels lists every label in scope.
func (c *Client) ListLabels(ctx context.Context) ([]Label, error) {
	var resp struct {
		Labels []Label `json:"labels"`
	}
	query := url.Values{"max": []string{"9999"}}
	if err := c.do(ctx, http.MethodGet, "labels", query, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Labels, nil
}

// CreateLabel creates a label and returns its id.
func (c *Client) CreateLabel(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("label name is required")
	}
	body := struct {
		ID   *string `json:"id"`
		Name string  `json:"name"`
	}{Name: name}
	var resp Label
	if err := c.do(ctx, http.MethodPost, "labels", nil, body, http.StatusOK, &resp); err != nil {
		return "", err
	}
	return resp.ID.String(), nil
}

// DeleteLabel deletes label id.
func (c *Client) DeleteLabel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "labels/"+url.PathEscape(id), nil, nil, http.StatusNoContent, nil)
}

// ComputeEnvIDByName returns the id of the compute environment called name, or "".
func ComputeEnvIDByName(envs []ComputeEnv, name string) string {
	for _, env := range envs {
		if env.Name == name {
			return env.ID
		}
	}
	return ""
}

// PrimaryComputeEnvID returns the id of the primary compute environment, or "".
func PrimaryComputeEnvID(envs []ComputeEnv) string {
	for _, env := range envs {
		if env.Primary {
			return env.ID
		}
	}
	return ""
}

// CredentialByName returns the credential called name, or nil.
func CredentialByName(creds []Credential, name string) *Credential {
	for i := range creds {
		if creds[i].Name == name {
			return &creds[i]
		}
	}
	return nil
}
