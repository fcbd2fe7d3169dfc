package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type pauseSet map[string]bool

func (p pauseSet) IsPaused(module string) bool { return p[module] }

func TestGuard(t *testing.T) {
	require.NoError(t, Guard(nil, ModuleVault))
	require.NoError(t, Guard(pauseSet{}, ""))
	require.NoError(t, Guard(pauseSet{ModuleLedger: true}, ModuleVault))
	require.ErrorIs(t, Guard(pauseSet{ModuleVault: true}, ModuleVault), ErrModulePaused)
}
