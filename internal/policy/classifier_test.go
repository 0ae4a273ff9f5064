package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRead(t *testing.T) {
	c := NewClassifier("/work")

	got := c.Classify("cat file.txt")
	assert.Equal(t, OpRead, got.Operation)
	assert.Equal(t, "shell-read", got.ClassificationID)
	assert.True(t, got.InWorkdir)

	got = c.Classify("ls -la /tmp")
	assert.Equal(t, OpRead, got.Operation)
	assert.False(t, got.InWorkdir)
}

func TestClassifyWrite(t *testing.T) {
	c := NewClassifier("/work")

	got := c.Classify("echo x > file.txt")
	assert.Equal(t, OpWrite, got.Operation)
	assert.Equal(t, "shell-write", got.ClassificationID)

	got = c.Classify("npm install express")
	assert.Equal(t, OpWrite, got.Operation)
}

func TestClassifyDelete(t *testing.T) {
	c := NewClassifier("/work")

	got := c.Classify("rm file.txt")
	assert.Equal(t, OpDelete, got.Operation)
	assert.Equal(t, "shell-rm", got.ClassificationID)
	assert.True(t, got.InWorkdir)

	got = c.Classify("rm -rf /tmp/test")
	assert.Equal(t, OpDelete, got.Operation)
	assert.False(t, got.InWorkdir)
}

func TestParseCompound(t *testing.T) {
	c := NewClassifier("/work")

	segments := c.ParseCompound("ls && cat file.txt")
	require.Len(t, segments, 2)
	assert.Equal(t, "ls", segments[0].Command)
	assert.Equal(t, "&&", segments[1].Separator)

	segments = c.ParseCompound("cmd1 | cmd2 | cmd3")
	require.Len(t, segments, 3)
}

func TestClassifyCompound(t *testing.T) {
	c := NewClassifier("/work")

	got := c.ClassifyCompound("ls && rm file.txt")
	assert.Equal(t, OpDelete, got.Operation)
	assert.Equal(t, RiskModerate, got.RiskLevel)
}

func TestUnknownCommandDefaultsToDangerousExecute(t *testing.T) {
	c := NewClassifier("/work")
	got := c.Classify("some-custom-binary --flag")
	assert.Equal(t, OpExecute, got.Operation)
	assert.Equal(t, RiskDangerous, got.RiskLevel)
	assert.False(t, got.InWorkdir)
}
