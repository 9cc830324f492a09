package defs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrTString(t *testing.T) {
	require.Equal(t, "EFAULT", EFAULT.String())
	require.Equal(t, "ENOHEAP", ENOHEAP.String())
	require.Equal(t, "ok", Err_t(0).String())
	require.Equal(t, "Err_t(unknown)", Err_t(-99).String())
}

func TestOpTString(t *testing.T) {
	require.Equal(t, "READ", READ.String())
	require.Equal(t, "WRITE", WRITE.String())
	require.Equal(t, Op_t(2), NOPS)
}
