package opprovider

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/offline-sync/credentials"
)

// fakeOp writes a shell script standing in for the 1Password CLI.
func fakeOp(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "op")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func TestWithOnePassword_ResolvesReference(t *testing.T) {
	bin := fakeOp(t, `echo "secret-for-$3"`)

	r := credentials.NewResolver(WithOnePassword(WithBinary(bin)))
	creds, err := r.ResolveReader(context.Background(),
		strings.NewReader(`{"api_token": {{ op "op://vault/condo/token" | json }}}`))
	require.NoError(t, err)
	require.Equal(t, "secret-for-op://vault/condo/token", creds.APIToken)
}

func TestWithOnePassword_CommandFailure(t *testing.T) {
	bin := fakeOp(t, `echo "not signed in" >&2; exit 1`)

	r := credentials.NewResolver(WithOnePassword(WithBinary(bin)))
	_, err := r.ResolveReader(context.Background(),
		strings.NewReader(`{"api_token": {{ op "op://vault/condo/token" | json }}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not signed in")
}

func TestWithOnePassword_RejectsBareReference(t *testing.T) {
	r := credentials.NewResolver(WithOnePassword(WithBinary("/does/not/exist")))
	_, err := r.ResolveReader(context.Background(),
		strings.NewReader(`{"api_token": {{ op "vault/condo/token" | json }}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "must start with op://")
}
