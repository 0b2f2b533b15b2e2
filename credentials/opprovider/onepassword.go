// Package opprovider resolves credential template references with the
// 1Password CLI, e.g. {{ op "op://Private/condo-api/token" | json }}.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/offline-sync/credentials"
)

// DefaultBinary is the 1Password CLI executable name.
const DefaultBinary = "op"

// Option configures the provider.
type Option func(*provider)

type provider struct {
	binary string
}

// WithBinary overrides the CLI executable.
func WithBinary(path string) Option {
	return func(p *provider) {
		p.binary = path
	}
}

// WithOnePassword registers an "op" template function that resolves secrets
// using `op read`.
func WithOnePassword(opts ...Option) credentials.ResolverOption {
	p := &provider{binary: DefaultBinary}
	for _, opt := range opts {
		opt(p)
	}
	return credentials.WithProvider("op", p.read)
}

func (p *provider) read(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "op://") {
		return "", fmt.Errorf("op reference %q must start with op://", ref)
	}

	cmd := exec.CommandContext(ctx, p.binary, "read", "--no-newline", ref)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}
