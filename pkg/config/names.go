package config

import (
	"strings"

	"github.com/openfroyo/towerconf/pkg/identity"
)

// Names are the remote and local names derived from the node address and
// the server.
type Names struct {
	Compute      string
	Credential   string
	Suffix       string
	ConnectionID string
	KeyTag       string
	Endpoint     string
}

// ComputeName returns the compute environment name for node: the first
// label of the address with trailing digits stripped, plus "auto". Numbered
// login nodes of one cluster therefore share a name.
func ComputeName(node string) string {
	host, _, _ := strings.Cut(node, ".")
	return strings.TrimRight(host, "0123456789") + "auto"
}

// Endpoint returns the API base URL of server.
func Endpoint(server string) string {
	return "https://" + server + "/api"
}

// Names derives every name for s.
func (s *Settings) Names() Names {
	compute := ComputeName(s.Node)
	return Names{
		Compute:      compute,
		Credential:   compute,
		Suffix:       "_" + compute,
		ConnectionID: compute,
		KeyTag:       identity.CommentTag(s.Server),
		Endpoint:     Endpoint(s.Server),
	}
}
