package tool

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []any{"text"},
	}
}

func newEchoServer(id string) *LocalServer {
	srv := NewLocalServer(id)
	srv.Register(Descriptor{
		Name:        "echo",
		Description: "Echo the given text back",
		Schema:      echoSchema(),
	}, func(_ context.Context, args map[string]any) (string, error) {
		return fmt.Sprintf("%v", args["text"]), nil
	})
	return srv
}

func TestRegistryDiscoverAggregates(t *testing.T) {
	a := newEchoServer("a")
	b := NewLocalServer("b")
	b.Register(Descriptor{Name: "reverse", Description: "Reverse text"}, func(_ context.Context, args map[string]any) (string, error) {
		return "desrever", nil
	})

	reg := NewRegistry([]Server{a, b})
	require.NoError(t, reg.Discover(context.Background()))

	tools := reg.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "echo", tools[0].Name)
	assert.Equal(t, "reverse", tools[1].Name)
	assert.Equal(t, "a", tools[0].ServerID)
}

func TestRegistryDuplicateNameFirstWins(t *testing.T) {
	a := newEchoServer("a")
	b := newEchoServer("b")

	reg := NewRegistry([]Server{a, b})
	require.NoError(t, reg.Discover(context.Background()))

	desc, err := reg.Lookup("echo")
	require.NoError(t, err)
	assert.Equal(t, "a", desc.ServerID)
	assert.Len(t, reg.Tools(), 1)
}

type failingServer struct{ id string }

func (f *failingServer) ID() string { return f.id }
func (f *failingServer) ListTools(context.Context) ([]Descriptor, error) {
	return nil, errors.New("connection refused")
}
func (f *failingServer) CallTool(context.Context, string, map[string]any) (string, error) {
	return "", errors.New("connection refused")
}
func (f *failingServer) Close() error { return nil }

func TestRegistryDiscoverIsolatesFailingServer(t *testing.T) {
	reg := NewRegistry([]Server{&failingServer{id: "bad"}, newEchoServer("good")})
	require.NoError(t, reg.Discover(context.Background()))

	tools := reg.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
}

func TestRegistryCallValidatesArguments(t *testing.T) {
	reg := NewRegistry([]Server{newEchoServer("a")})
	require.NoError(t, reg.Discover(context.Background()))

	out, err := reg.Call(context.Background(), "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = reg.Call(context.Background(), "echo", map[string]any{})
	var toolErr *Error
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeValidation, toolErr.Code)

	_, err = reg.Call(context.Background(), "echo", map[string]any{"text": 42})
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeValidation, toolErr.Code)
}

func TestRegistryCallUnknownTool(t *testing.T) {
	reg := NewRegistry([]Server{newEchoServer("a")})
	require.NoError(t, reg.Discover(context.Background()))

	_, err := reg.Call(context.Background(), "delete_everything", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)

	_, err = reg.Lookup("delete_everything")
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistryCallWrapsExecutionError(t *testing.T) {
	srv := NewLocalServer("a")
	srv.Register(Descriptor{Name: "boom", Description: "Always fails"}, func(context.Context, map[string]any) (string, error) {
		return "", errors.New("disk on fire")
	})
	reg := NewRegistry([]Server{srv})
	require.NoError(t, reg.Discover(context.Background()))

	_, err := reg.Call(context.Background(), "boom", nil)
	var toolErr *Error
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeExecution, toolErr.Code)
	assert.Contains(t, toolErr.Message, "disk on fire")
}
