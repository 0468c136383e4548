package tower

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// CredentialProvider identifies how a credential authenticates to the compute host.
type CredentialProvider string

const (
	// ProviderSSH stores a private key the service uses to reach the host over SSH.
	ProviderSSH CredentialProvider = "ssh"

	// ProviderAgent binds the credential to an outbound agent connection.
	ProviderAgent CredentialProvider = "tw-agent"
)

// RecognizedPlatforms lists the compute platform identifiers the service accepts.
var RecognizedPlatforms = []string{
	"aws-batch",
	"google-lifesciences",
	"google-batch",
	"azure-batch",
	"k8s-platform",
	"eks-platform",
	"gke-platform",
	"uge-platform",
	"slurm-platform",
	"lsf-platform",
	"altair-platform",
	"moab-platform",
}

// IsRecognizedPlatform reports whether platform is one of RecognizedPlatforms.
func IsRecognizedPlatform(platform string) bool {
	for _, p := range RecognizedPlatforms {
		if p == platform {
			return true
		}
	}
	return false
}

// User is the authenticated account.
type User struct {
	ID       json.Number `json:"id"`
	UserName string      `json:"userName"`
	Email    string      `json:"email,omitempty"`
}

// Workspace is one entry of the organisations-and-workspaces listing.
type Workspace struct {
	OrgID         json.Number `json:"orgId,omitempty"`
	OrgName       string      `json:"orgName,omitempty"`
	WorkspaceID   json.Number `json:"workspaceId,omitempty"`
	WorkspaceName string      `json:"workspaceName,omitempty"`
}

// ComputeEnv is a compute environment as listed by the service.
type ComputeEnv struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Platform      string `json:"platform,omitempty"`
	Status        string `json:"status,omitempty"`
	Primary       bool   `json:"primary"`
	CredentialsID string `json:"credentialsId,omitempty"`
}

// Credential is a stored secret binding. Secret material is never returned.
type Credential struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Provider    CredentialProvider `json:"provider"`
}

// Label is a tag attachable to pipelines.
type Label struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

// Pipeline is a saved launch configuration, listed with its labels attached.
type Pipeline struct {
	PipelineID  json.Number `json:"pipelineId"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Labels      []Label     `json:"labels,omitempty"`
}

// ID returns the pipeline id in its string form.
func (p Pipeline) ID() string {
	return p.PipelineID.String()
}

// IDList marshals ids as JSON numbers when they are numeric and as strings otherwise.
// Label and pipeline ids are numeric on the wire while the rest of the code keeps
// every id as a string.
type IDList []string

// MarshalJSON implements json.Marshaler.
func (l IDList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, id := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		if _, err := strconv.ParseInt(id, 10, 64); err == nil {
			buf.WriteString(id)
			continue
		}
		quoted, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		buf.Write(quoted)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// SSHKeys is the secret material of an ssh credential.
type SSHKeys struct {
	PrivateKey string `json:"privateKey" validate:"required"`
	Passphrase string `json:"passphrase"`
}

// AgentKeys is the secret material of an agent credential.
type AgentKeys struct {
	ConnectionID string `json:"connectionId" validate:"required"`
	WorkDir      string `json:"workDir" validate:"required"`
	Shared       bool   `json:"shared"`
}

// CredentialSpec is the body of a credential create or update.
type CredentialSpec struct {
	ID          string             `json:"id,omitempty"`
	Name        string             `json:"name" validate:"required"`
	Description string             `json:"description"`
	Provider    CredentialProvider `json:"provider" validate:"required,oneof=ssh tw-agent"`
	Keys        interface{}        `json:"keys" validate:"required"`
}

// NewSSHCredential builds an ssh credential spec.
func NewSSHCredential(name, description, privateKey string) CredentialSpec {
	return CredentialSpec{
		Name:        name,
		Description: description,
		Provider:    ProviderSSH,
		Keys:        SSHKeys{PrivateKey: privateKey},
	}
}

// NewAgentCredential builds an agent credential spec.
func NewAgentCredential(name, description, connectionID, workDir string) CredentialSpec {
	return CredentialSpec{
		Name:        name,
		Description: description,
		Provider:    ProviderAgent,
		Keys:        AgentKeys{ConnectionID: connectionID, WorkDir: workDir},
	}
}

// Validate checks required fields before the spec is sent.
func (s CredentialSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: credential %q: %v", ErrInvalidSpec, s.Name, err)
	}
	if err := validate.Struct(s.Keys); err != nil {
		return fmt.Errorf("%w: credential %q keys: %v", ErrInvalidSpec, s.Name, err)
	}
	return nil
}

// ComputeConfig is the platform-specific part of a compute environment.
type ComputeConfig struct {
	WorkDir   string `json:"workDir" validate:"required"`
	UserName  string `json:"userName" validate:"required"`
	HostName  string `json:"hostName" validate:"required"`
	HeadQueue string `json:"headQueue,omitempty"`
}

// ComputeEnvSpec is the body of a compute environment create or update.
type ComputeEnvSpec struct {
	ID            string        `json:"id,omitempty"`
	Name          string        `json:"name" validate:"required"`
	Description   string        `json:"description"`
	CredentialsID string        `json:"credentialsId" validate:"required"`
	Platform      string        `json:"platform" validate:"required"`
	Config        ComputeConfig `json:"config"`
}

// Validate checks required fields and the platform enumeration.
func (s ComputeEnvSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: compute environment %q: %v", ErrInvalidSpec, s.Name, err)
	}
	if !IsRecognizedPlatform(s.Platform) {
		return fmt.Errorf("%w: compute environment %q: unrecognized platform %q", ErrInvalidSpec, s.Name, s.Platform)
	}
	return nil
}

// LaunchSpec holds the launch defaults saved with a pipeline.
type LaunchSpec struct {
	ComputeEnvID   string   `json:"computeEnvId" validate:"required"`
	Pipeline       string   `json:"pipeline" validate:"required,url"`
	Revision       string   `json:"revision,omitempty"`
	WorkDir        string   `json:"workDir" validate:"required"`
	PullLatest     bool     `json:"pullLatest"`
	ConfigText     string   `json:"configText"`
	ConfigProfiles []string `json:"configProfiles"`
	PreRunScript   string   `json:"preRunScript"`
}

// PipelineSpec is the body of a pipeline create or update.
type PipelineSpec struct {
	Name        string     `json:"name" validate:"required"`
	Description string     `json:"description"`
	Icon        string     `json:"icon"`
	Launch      LaunchSpec `json:"launch"`
	LabelIDs    IDList     `json:"labelIds"`
}

// Validate checks required fields before the spec is sent.
func (s PipelineSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: pipeline %q: %v", ErrInvalidSpec, s.Name, err)
	}
	return nil
}
