package tool

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubprocessServerExtendsParentEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	// The child answers one call_tool request reporting whether it sees
	// both the inherited environment and the extra variable.
	script := `read line
if [ -n "$PATH" ] && [ "$EXTRA_VAR" = "on" ]; then out=inherited; else out=missing; fi
printf '{"id":1,"result":{"output":"%s"}}\n' "$out"`

	srv, err := StartSubprocessServer("env", "/bin/sh", []string{"-c", script}, func(o *SubprocessServerOptions) {
		o.Env = map[string]string{"EXTRA_VAR": "on"}
	})
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := srv.CallTool(ctx, "env_report", nil)
	require.NoError(t, err)
	assert.Equal(t, "inherited", out)
}

func TestSubprocessServerListTools(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	script := `read line
printf '{"id":1,"result":{"tools":[{"name":"remote_echo","description":"d","schema":{"type":"object"}}]}}\n'`

	srv, err := StartSubprocessServer("remote", "/bin/sh", []string{"-c", script})
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tools, err := srv.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "remote_echo", tools[0].Name)
	assert.Equal(t, "remote", tools[0].ServerID)
}
