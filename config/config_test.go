package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsSane(t *testing.T) {
	cfg := Default()
	require.True(t, cfg.TieredMemory)
	require.Equal(t, Hemem, cfg.MigrationType)
	require.Equal(t, PreferDRAM, cfg.PreferredNode)
	require.Greater(t, cfg.DRAMSizeMiB, uint64(0))
	require.Greater(t, cfg.NVMSizeMiB, uint64(0))
	require.InDelta(t, 0.10, cfg.DRAMReserveFraction, 0.0001)
	require.Equal(t, 1, cfg.TLBShootdownSize)
}

func TestMigrationTypeString(t *testing.T) {
	require.Equal(t, "hemem", Hemem.String())
	require.Equal(t, "memtis", Memtis.String())
}
