package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommand_Substitutes(t *testing.T) {
	c, err := BuildCommand("go run cmd/SurfstoreClientExec/main.go {addr} {dir} {block_size}", Vars{
		"addr":       "localhost:8081",
		"dir":        "data3",
		"block_size": "4",
	})
	require.NoError(t, err)

	assert.Equal(t, "go", c.Name)
	assert.Equal(t, []string{"run", "cmd/SurfstoreClientExec/main.go", "localhost:8081", "data3", "4"}, c.Args)
}

func TestBuildCommand_ValueWithSpacesStaysOneArg(t *testing.T) {
	c, err := BuildCommand("client {dir}", Vars{"dir": "my data/dir 1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"my data/dir 1"}, c.Args)
}

func TestBuildCommand_QuotedTemplate(t *testing.T) {
	c, err := BuildCommand(`sh -c "echo {port}; exit 0"`, Vars{"port": "9000"})
	require.NoError(t, err)

	assert.Equal(t, "sh", c.Name)
	assert.Equal(t, []string{"-c", "echo 9000; exit 0"}, c.Args)
}

func TestBuildCommand_PlaceholderInsideToken(t *testing.T) {
	c, err := BuildCommand("server -addr={host}:{port}", Vars{"host": "127.0.0.1", "port": "8081"})
	require.NoError(t, err)

	assert.Equal(t, []string{"-addr=127.0.0.1:8081"}, c.Args)
}

func TestBuildCommand_UnresolvedPlaceholder(t *testing.T) {
	_, err := BuildCommand("client {addr} {dir}", Vars{"addr": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{dir}")
}

func TestBuildCommand_Empty(t *testing.T) {
	_, err := BuildCommand("   ", nil)
	assert.Error(t, err)
}

func TestCommand_WithArgsCopies(t *testing.T) {
	base, err := BuildCommand("client a b", nil)
	require.NoError(t, err)

	ext := base.WithArgs("--detach")
	assert.Equal(t, []string{"a", "b"}, base.Args)
	assert.Equal(t, []string{"a", "b", "--detach"}, ext.Args)
	assert.Equal(t, "client a b --detach", ext.String())
}
