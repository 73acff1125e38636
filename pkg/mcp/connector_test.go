package mcp

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/digiclaw/pkg/config"
	"github.com/sipeed/digiclaw/pkg/tools"
)

type fakeSession struct {
	tools   []mcp.Tool
	listErr error
	result  *mcp.CallToolResult
	closed  atomic.Bool
	lastArg map[string]interface{}
}

func (f *fakeSession) ListTools(context.Context) ([]mcp.Tool, error) { return f.tools, f.listErr }

func (f *fakeSession) CallTool(_ context.Context, _ string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	f.lastArg = args
	return f.result, nil
}

func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return context.Canceled
}

func servers(names ...string) map[string]config.MCPServerConfig {
	out := map[string]config.MCPServerConfig{}
	for _, n := range names {
		out[n] = config.MCPServerConfig{Command: "true"}
	}
	return out
}

func TestEnsureConnectedRegistersTools(t *testing.T) {
	reg := tools.NewToolRegistry()
	sess := &fakeSession{tools: []mcp.Tool{{Name: "search", Description: "Search notes"}}}
	c := NewConnector(servers("notes"), reg, "test")
	dials := 0
	c.SetDialer(func(context.Context, string, config.MCPServerConfig) (Session, error) {
		dials++
		return sess, nil
	})

	require.NoError(t, c.EnsureConnected(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	_, ok := reg.Get("mcp_notes_search")
	assert.True(t, ok)

	require.NoError(t, c.EnsureConnected(context.Background()))
	assert.Equal(t, 1, dials, "connected is a no-op")

	require.NoError(t, c.Close(), "cancellation noise is swallowed")
	assert.True(t, sess.closed.Load())
	assert.Equal(t, StateNotConnected, c.State())
	_, ok = reg.Get("mcp_notes_search")
	assert.False(t, ok)
}

func TestEnsureConnectedRollsBackAndRetries(t *testing.T) {
	reg := tools.NewToolRegistry()
	good := &fakeSession{tools: []mcp.Tool{{Name: "a"}}}
	fail := true
	c := NewConnector(servers("alpha", "beta"), reg, "test")
	c.SetDialer(func(_ context.Context, name string, _ config.MCPServerConfig) (Session, error) {
		if name == "beta" && fail {
			return nil, errors.New("spawn failed")
		}
		return good, nil
	})

	err := c.EnsureConnected(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server beta")
	assert.Equal(t, StateNotConnected, c.State())
	assert.True(t, good.closed.Load(), "sessions opened in the failed attempt are closed")
	assert.Equal(t, 0, reg.Count(), "tools from the failed attempt are removed")

	fail = false
	good.closed.Store(false)
	require.NoError(t, c.EnsureConnected(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 2, reg.Count())
}

func TestEnsureConnectedListFailure(t *testing.T) {
	reg := tools.NewToolRegistry()
	sess := &fakeSession{listErr: errors.New("timeout")}
	c := NewConnector(servers("x"), reg, "test")
	c.SetDialer(func(context.Context, string, config.MCPServerConfig) (Session, error) { return sess, nil })

	assert.Error(t, c.EnsureConnected(context.Background()))
	assert.True(t, sess.closed.Load())
	assert.Equal(t, StateNotConnected, c.State())
}

func TestEnsureConnectedSingleAttemptUnderConcurrency(t *testing.T) {
	reg := tools.NewToolRegistry()
	release := make(chan struct{})
	var dials atomic.Int32
	c := NewConnector(servers("slow"), reg, "test")
	c.SetDialer(func(context.Context, string, config.MCPServerConfig) (Session, error) {
		dials.Add(1)
		<-release
		return &fakeSession{}, nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.EnsureConnected(context.Background())
	}()
	for c.State() != StateConnecting {
		runtime.Gosched()
	}
	for i := 0; i < 5; i++ {
		assert.NoError(t, c.EnsureConnected(context.Background()), "connecting is a no-op")
	}
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, StateConnected, c.State())
}

func TestNoServersIsNoop(t *testing.T) {
	c := NewConnector(nil, tools.NewToolRegistry(), "test")
	c.SetDialer(func(context.Context, string, config.MCPServerConfig) (Session, error) {
		t.Fatal("dialer must not run")
		return nil, nil
	})
	assert.NoError(t, c.EnsureConnected(context.Background()))
	assert.Equal(t, StateNotConnected, c.State())
}

func TestToolExecute(t *testing.T) {
	sess := &fakeSession{result: &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "found 2 notes"}},
	}}
	tool := NewTool("notes", mcp.Tool{
		Name: "search",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{"q": map[string]interface{}{"type": "string"}},
			Required:   []string{"q"},
		},
	}, sess)

	assert.Equal(t, "mcp_notes_search", tool.Name())
	assert.Equal(t, []string{"q"}, tool.Parameters()["required"])

	res := tool.Execute(context.Background(), map[string]interface{}{"q": "tea"})
	assert.False(t, res.IsError)
	assert.Equal(t, "found 2 notes", res.ForLLM)
	assert.Equal(t, "tea", sess.lastArg["q"])

	sess.result = &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "bad query"}}}
	res = tool.Execute(context.Background(), nil)
	assert.True(t, res.IsError)
	assert.Equal(t, "bad query", res.ForLLM)
}
