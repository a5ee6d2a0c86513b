package agentcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paboldin/rally-agent/internal/envelope"
)

func newTestAgent(id string) *Agent {
	return New(id, nil, nil, false)
}

func TestDispatchDropsRequestOutsideTarget(t *testing.T) {
	a := newTestAgent("agent-0")
	req := envelope.NewRequest("ping")
	req.Set("target", "agent-1")

	reply := a.dispatch(req)
	assert.Nil(t, reply)
}

func TestDispatchPingIncludesTime(t *testing.T) {
	a := newTestAgent("agent-0")
	reply := a.dispatch(envelope.NewRequest("ping"))
	require.NotNil(t, reply)

	v, ok := reply.Get("time")
	require.True(t, ok)
	assert.IsType(t, "", v)
}

func TestDispatchUnknownActionSetsError(t *testing.T) {
	a := newTestAgent("agent-0")
	reply := a.dispatch(envelope.NewRequest("fly-to-the-moon"))
	require.NotNil(t, reply)

	msg, ok := reply.Error()
	require.True(t, ok)
	assert.Equal(t, "Action 'fly-to-the-moon' unknown.", msg)
}

func TestSynchronousCommandCapturesOutput(t *testing.T) {
	a := newTestAgent("agent-0")
	req := envelope.NewRequest("command")
	req.Set("path", []string{"bash", "-c", "echo hi"})

	reply := a.dispatch(req)
	require.NotNil(t, reply)
	_, hasErr := reply.Error()
	require.False(t, hasErr)

	assert.Equal(t, "hi\n", reply.GetString("stdout", ""))
	code, _ := reply.Get("exit_code")
	assert.EqualValues(t, 0, code)
}

func TestDetachedCommandThenTailThenCheckClear(t *testing.T) {
	a := newTestAgent("agent-0")

	start := envelope.NewRequest("command")
	start.Set("path", []string{"bash", "-c", "echo hello; sleep 0.05"})
	start.Set("thread", true)

	reply := a.dispatch(start)
	require.NotNil(t, reply)
	_, hasErr := reply.Error()
	require.False(t, hasErr)

	_, ok := reply.Get("stdout_fh")
	assert.True(t, ok)
	require.NotNil(t, a.exec)

	// Retrying a detached command while the slot is occupied must fail
	// without touching the existing executor.
	again := envelope.NewRequest("command")
	again.Set("path", []string{"bash", "--version"})
	again.Set("thread", true)
	againReply := a.dispatch(again)
	msg, hasErr := againReply.Error()
	require.True(t, hasErr)
	assert.Equal(t, "A command is already being executed.", msg)

	// A synchronous command (no "thread") must be rejected too: the slot is
	// occupied regardless of what mode the new request asks for.
	sync := envelope.NewRequest("command")
	sync.Set("path", []string{"bash", "--version"})
	syncReply := a.dispatch(sync)
	msg, hasErr = syncReply.Error()
	require.True(t, hasErr)
	assert.Equal(t, "A command is already being executed.", msg)
	require.NotNil(t, a.exec)

	deadline := time.Now().Add(2 * time.Second)
	var tailText string
	for time.Now().Before(deadline) {
		tail := a.dispatch(envelope.NewRequest("tail"))
		tailText += tail.GetString("stdout", "")
		if tailText == "hello\n" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, "hello\n", tailText)

	check := envelope.NewRequest("check")
	check.Set("wait", true)
	checkReply := a.dispatch(check)
	code, _ := checkReply.Get("exit_code")
	assert.EqualValues(t, 0, code)

	clear := envelope.NewRequest("check")
	clear.Set("clear", true)
	a.dispatch(clear)
	assert.Nil(t, a.exec)
}

func TestTailWithoutExecutorFails(t *testing.T) {
	a := newTestAgent("agent-0")
	reply := a.dispatch(envelope.NewRequest("tail"))
	msg, ok := reply.Error()
	require.True(t, ok)
	assert.Equal(t, "No executor or pipes.", msg)
}

func TestCheckWithoutExecutorFails(t *testing.T) {
	a := newTestAgent("agent-0")
	reply := a.dispatch(envelope.NewRequest("check"))
	msg, ok := reply.Error()
	require.True(t, ok)
	assert.Equal(t, "No executor.", msg)
}

func TestCommandWithReplacedEnvironment(t *testing.T) {
	a := newTestAgent("agent-0")
	req := envelope.NewRequest("command")
	req.Set("path", []string{"bash", "-c", "echo $A-$C"})
	req.Set("env", []string{"A=B", "C=D"})

	reply := a.dispatch(req)
	require.NotNil(t, reply)
	assert.Equal(t, "B-D\n", reply.GetString("stdout", ""))
}
