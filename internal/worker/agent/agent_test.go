package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineAssistantText(t *testing.T) {
	line := `{"type":"assistant","session_id":"s-1","message":{"content":[{"type":"text","text":"working on it"}]}}`

	event, ok := parseLine(line)
	require.True(t, ok)
	assert.Equal(t, EventTypeOutput, event.Type)
	assert.Equal(t, "s-1", event.SessionID)
	assert.Equal(t, "working on it", event.Content)
}

func TestParseLineResult(t *testing.T) {
	line := `{"type":"result","session_id":"s-1","result":"all done","is_error":false}`

	event, ok := parseLine(line)
	require.True(t, ok)
	assert.Equal(t, EventTypeResult, event.Type)
	assert.Equal(t, "all done", event.Text())
	assert.False(t, event.IsError)
}

func TestParseLineErrorResult(t *testing.T) {
	line := `{"type":"result","result":"budget exhausted","is_error":true}`

	event, ok := parseLine(line)
	require.True(t, ok)
	assert.True(t, event.IsError)
	assert.Equal(t, "budget exhausted", event.Text())
}

func TestParseLineTaskList(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"TodoWrite","input":{"todos":[{"content":"scaffold","status":"completed"},{"content":"tests","status":"pending"}]}}]}}`

	event, ok := parseLine(line)
	require.True(t, ok)
	assert.Equal(t, EventTypeOutput, event.Type)
	require.Len(t, event.Tasks, 2)
	assert.Equal(t, "scaffold", event.Tasks[0].Content)
	assert.Equal(t, "completed", event.Tasks[0].Status)
}

func TestParseLineRejectsGarbage(t *testing.T) {
	for _, line := range []string{"not json", "{}", `{"foo":"bar"}`} {
		_, ok := parseLine(line)
		assert.False(t, ok, "line %q", line)
	}
}

func TestBuildArgs(t *testing.T) {
	args := buildArgs("fix the bug", Options{
		Model:           "default",
		AllowedTools:    []string{"Bash", "Edit"},
		ResumeSessionID: "s-1",
	})

	assert.Equal(t, []string{
		"-p", "fix the bug",
		"--output-format", "stream-json",
		"--verbose",
		"--model", "default",
		"--allowedTools", "Bash,Edit",
		"--resume", "s-1",
	}, args)
}

func TestBuildArgsMinimal(t *testing.T) {
	args := buildArgs("hello", Options{})
	assert.Equal(t, []string{"-p", "hello", "--output-format", "stream-json", "--verbose"}, args)
}

func TestRenderTaskList(t *testing.T) {
	out := RenderTaskList([]Task{
		{Content: "scaffold", Status: "completed"},
		{Content: "implement", Status: "in_progress"},
		{Content: "tests", Status: "pending"},
	})

	assert.Contains(t, out, ":white_check_mark: scaffold")
	assert.Contains(t, out, ":arrow_forward: implement")
	assert.Contains(t, out, ":white_circle: tests")
}
