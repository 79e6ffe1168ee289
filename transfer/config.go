package transfer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

const (
	// DefaultChunkSize is used when no chunk size is configured.
	DefaultChunkSize int64 = 4 * 1024 * 1024

	// DefaultMaxParallel is the default upper bound on concurrent chunk
	// uploads. The effective worker count is further limited by half the CPU
	// count and the amount of pending work.
	DefaultMaxParallel = 4
)

// Secret is a sensitive config value that must not end up in logs.
type Secret string

const secret = "*****"

// String implements fmt.Stringer and redacts the value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secret
}

// Options configures a Transfer.
type Options struct {
	// APIBaseURL is the root URL of the remote share store.
	APIBaseURL string

	// AccessToken is sent as a bearer token on every store call. Optional:
	// the store accepts anonymous transfers to the public share.
	AccessToken Secret

	// ChunkSize is the chunk size proposed when opening a new session.
	// A resumed session keeps the chunk size it was opened with.
	ChunkSize int64

	// MaxParallel caps the number of concurrent chunk uploads.
	MaxParallel int
}

// OptionsFromEnv reads options from the environment:
// DSHARE_API_URL (required), DSHARE_ACCESS_TOKEN, DSHARE_CHUNK_SIZE
// (human-readable, e.g. "8MB") and DSHARE_MAX_PARALLEL.
func OptionsFromEnv(envRepo env.Repository) (Options, error) {
	apiBaseURL := envRepo.Get("DSHARE_API_URL")
	if apiBaseURL == "" {
		return Options{}, fmt.Errorf("'DSHARE_API_URL' is not defined")
	}

	opts := Options{
		APIBaseURL:  strings.TrimRight(apiBaseURL, "/"),
		AccessToken: Secret(envRepo.Get("DSHARE_ACCESS_TOKEN")),
		ChunkSize:   DefaultChunkSize,
		MaxParallel: DefaultMaxParallel,
	}

	if value := envRepo.Get("DSHARE_CHUNK_SIZE"); value != "" {
		size, err := units.RAMInBytes(value)
		if err != nil {
			return Options{}, fmt.Errorf("invalid DSHARE_CHUNK_SIZE: %s", err)
		}
		if size <= 0 {
			return Options{}, fmt.Errorf("DSHARE_CHUNK_SIZE should be positive")
		}
		opts.ChunkSize = size
	}

	if value := envRepo.Get("DSHARE_MAX_PARALLEL"); value != "" {
		maxParallel, err := strconv.Atoi(value)
		if err != nil || maxParallel < 1 {
			return Options{}, fmt.Errorf("DSHARE_MAX_PARALLEL should be a positive integer")
		}
		opts.MaxParallel = maxParallel
	}

	return opts, nil
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxParallel < 1 {
		o.MaxParallel = DefaultMaxParallel
	}
	o.APIBaseURL = strings.TrimRight(o.APIBaseURL, "/")
	return o
}
