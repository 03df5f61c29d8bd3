package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_WriteReadRemove(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFD_PID_FILE", filepath.Join(dir, "confd.pid"))

	require.NoError(t, writePIDFile())

	pid, err := readPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	assert.True(t, processAlive(pid))

	removePIDFile()
	_, err = readPID()
	assert.Error(t, err)
}
