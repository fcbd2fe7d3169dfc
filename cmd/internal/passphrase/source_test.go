package passphrase

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetPrefersEnvironment(t *testing.T) {
	t.Setenv("REBASE_TEST_PASSPHRASE", "hunter2")
	src := NewSource("REBASE_TEST_PASSPHRASE", "")
	src.isTerminal = func(int) bool { t.Fatal("terminal consulted"); return false }

	value, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "hunter2", value)
}

func TestGetRejectsEmptyEnvironment(t *testing.T) {
	t.Setenv("REBASE_TEST_PASSPHRASE", "  ")
	_, err := NewSource("REBASE_TEST_PASSPHRASE", "").Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestGetWithoutTerminal(t *testing.T) {
	src := NewSource("REBASE_TEST_UNSET_PASSPHRASE", "domain 1 keystore")
	src.isTerminal = func(int) bool { return false }

	_, err := src.Get()
	require.ErrorContains(t, err, "domain 1 keystore passphrase required")
	require.ErrorContains(t, err, "REBASE_TEST_UNSET_PASSPHRASE")
}

func TestGetPromptsOnceAndCaches(t *testing.T) {
	var prompt bytes.Buffer
	reads := 0
	src := NewSource("", "")
	src.prompt = &prompt
	src.isTerminal = func(int) bool { return true }
	src.readSecret = func(int) ([]byte, error) {
		reads++
		return []byte("s3cret"), nil
	}

	for i := 0; i < 2; i++ {
		value, err := src.Get()
		require.NoError(t, err)
		require.Equal(t, "s3cret", value)
	}
	require.Equal(t, 1, reads)
	require.Contains(t, prompt.String(), "Enter endpoint keystore passphrase")
}

func TestGetPropagatesReadErrors(t *testing.T) {
	src := NewSource("", "")
	src.prompt = &bytes.Buffer{}
	src.isTerminal = func(int) bool { return true }
	src.readSecret = func(int) ([]byte, error) { return nil, errors.New("tty gone") }

	_, err := src.Get()
	require.ErrorContains(t, err, "tty gone")
}
