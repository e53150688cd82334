package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).Run(context.Background(), append([]string{"token"}, args...))
	return strings.TrimSpace(out.String()), err
}

func TestIssueThenVerify(t *testing.T) {
	tok, err := run(t, "issue", "--secret", "s3", "--ttl", "1h", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	user, err := run(t, "verify", "--secret", "s3", tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	_, err = run(t, "verify", "--secret", "other", tok)
	assert.Error(t, err)
}

func TestSecretFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")
	tok, err := run(t, "issue", "bob")
	require.NoError(t, err)

	user, err := run(t, "verify", "--secret", "from-env", tok)
	require.NoError(t, err)
	assert.Equal(t, "bob", user)
}

func TestMissingArguments(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	_, err := run(t, "issue")
	assert.Error(t, err)

	_, err = run(t, "verify")
	assert.Error(t, err)

	_, err = run(t, "issue", "not a valid id")
	assert.Error(t, err)
}
