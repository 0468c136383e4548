package config

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"
)

// platformMarkers maps scheduler install directories to platform ids, in
// the order they are checked.
var platformMarkers = []struct {
	path     string
	platform string
}{
	{"/opt/slurm", "slurm-platform"},
	{"/opt/pbs", "altair-platform"},
	{"/opt/torque", "moab-platform"},
	{"/opt/lsf", "lsf-platform"},
	{"/opt/sge", "uge-platform"},
}

// Detector guesses defaults for the machine towerconf runs on.
type Detector struct {
	// Root prefixes the platform marker paths. Empty means "/".
	Root string

	// IPURL returns the caller's external address as plain text.
	IPURL      string
	HTTPClient *http.Client

	// SSHPort is dialed on the external address.
	SSHPort     string
	DialTimeout time.Duration

	LookupAddr func(ctx context.Context, addr string) ([]string, error)
}

// NewDetector returns a Detector for the local machine.
func NewDetector() *Detector {
	return &Detector{
		IPURL:       "https://icanhazip.com",
		HTTPClient:  &http.Client{Timeout: 5 * time.Second},
		SSHPort:     "22",
		DialTimeout: 2 * time.Second,
		LookupAddr:  net.DefaultResolver.LookupAddr,
	}
}

// GuessPlatform returns the platform of the first scheduler found installed,
// or "".
func (d *Detector) GuessPlatform() string {
	for _, m := range platformMarkers {
		if _, err := os.Stat(filepath.Join(d.Root, m.path)); err == nil {
			return m.platform
		}
	}
	return ""
}

// GuessNode returns the host name of this machine as seen from outside, but
// only when SSH is reachable on its external address. An unreachable port
// or a missing reverse record yield "" without error; failing to learn the
// external address is an error.
func (d *Detector) GuessNode(ctx context.Context) (string, error) {
	ip, err := d.externalIP(ctx)
	if err != nil {
		return "", err
	}

	dialer := net.Dialer{Timeout: d.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, d.SSHPort))
	if err != nil {
		return "", nil
	}
	_ = conn.Close()

	names, err := d.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return "", nil
	}
	return strings.TrimSuffix(names[0], "."), nil
}

func (d *Detector) externalIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.IPURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to resolve external address: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to resolve external address: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("failed to resolve external address: %w", err)
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("failed to resolve external address: unexpected reply %q", ip)
	}
	return ip, nil
}

// CurrentUser returns the login name of the current user, or "".
func CurrentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
