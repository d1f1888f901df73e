package commands

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"bidmesh.com/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeygenWritesLoadableKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")
	var buf bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&buf)
	root.SetArgs([]string{"keygen", "--out", path})
	require.NoError(t, root.Execute())

	key, err := protocol.LoadKeySigner(path)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "identity: "+string(key.Identity()))

	root.SetArgs([]string{"keygen", "--out", path})
	assert.Error(t, root.Execute(), "existing key must not be overwritten")
}

func TestKeygenStdout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, keygen(&buf, ""))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	key, err := protocol.ParseKeySigner(strings.TrimPrefix(lines[0], "private: "))
	require.NoError(t, err)
	assert.Equal(t, "identity: "+string(key.Identity()), lines[1])
}
