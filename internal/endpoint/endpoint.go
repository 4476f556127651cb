package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidEndpoint is returned when a server URL cannot be parsed
var ErrInvalidEndpoint = errors.New("invalid endpoint URL")

// Endpoint identifies one management server deployment
type Endpoint struct {
	BaseURL     string
	ProjectPath string
}

// Parse splits a full server URL into protocol+host+port and a project path.
// Leading and trailing slashes are stripped from the path; a default port is
// not included in the base URL.
func Parse(rawURL string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, rawURL)
	}

	host := u.Hostname()
	if port := u.Port(); port != "" && !isDefaultPort(u.Scheme, port) {
		host = host + ":" + port
	}

	return Endpoint{
		BaseURL:     u.Scheme + "://" + host,
		ProjectPath: strings.Trim(u.Path, "/"),
	}, nil
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

// Pair tracks the primary and secondary server endpoints. Immutable once
// constructed; rebuilt only when the endpoint configuration changes.
type Pair struct {
	Primary   Endpoint
	Secondary Endpoint
}

// NewPair parses the primary and secondary URLs. An unset secondary falls back
// to the primary so that it never resolves to a public default host.
func NewPair(primaryURL, secondaryURL string) (*Pair, error) {
	primary, err := Parse(primaryURL)
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}

	secondary := primary
	if strings.TrimSpace(secondaryURL) != "" {
		secondary, err = Parse(secondaryURL)
		if err != nil {
			return nil, fmt.Errorf("secondary: %w", err)
		}
	}

	return &Pair{Primary: primary, Secondary: secondary}, nil
}
