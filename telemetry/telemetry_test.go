package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounterIncAdd(t *testing.T) {
	Enabled = true
	var c Counter_t
	c.Inc()
	c.Inc()
	c.Add(3)
	require.EqualValues(t, 5, c.Get())
}

func TestCounterDisabled(t *testing.T) {
	Enabled = false
	defer func() { Enabled = true }()
	var c Counter_t
	c.Inc()
	c.Add(10)
	require.EqualValues(t, 0, c.Get())
}
