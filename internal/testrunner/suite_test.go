package testrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/forge/internal/models"
)

func suite(t *testing.T, checks ...Check) *Suite {
	t.Helper()
	s, err := NewSuite(nil, checks...)
	require.NoError(t, err)
	return s
}

func TestNewSuite_Errors(t *testing.T) {
	r := shell(t, "true")

	_, err := NewSuite(nil)
	assert.Error(t, err)

	_, err = NewSuite(nil, Check{Name: "", Runner: r})
	assert.Error(t, err)

	_, err = NewSuite(nil, Check{Name: "lint", Runner: r}, Check{Name: "lint", Runner: r})
	assert.ErrorContains(t, err, "twice")
}

func TestSuite_SingleCheckIsUnchanged(t *testing.T) {
	s := suite(t, Check{Name: "test", Runner: shell(t, "echo out; echo err >&2; exit 2")})

	res, err := s.Run(context.Background(), t.TempDir(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestSuite_AllPass(t *testing.T) {
	s := suite(t,
		Check{Name: "test", Runner: shell(t, "echo tests ok")},
		Check{Name: "lint", Runner: shell(t, "echo lint ok")},
	)
	assert.Equal(t, []string{"test", "lint"}, s.Names())

	res, err := s.Run(context.Background(), t.TempDir(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "=== test (exit 0) ===\ntests ok\n")
	assert.Contains(t, res.Stdout, "=== lint (exit 0) ===\nlint ok\n")
}

func TestSuite_FirstFailureWinsAndAllChecksRun(t *testing.T) {
	dir := t.TempDir()
	s := suite(t,
		Check{Name: "test", Runner: shell(t, "echo 'ran' > test.ran")},
		Check{Name: "lint", Runner: shell(t, "echo 'E501 line too long' >&2; exit 3")},
		Check{Name: "types", Runner: shell(t, "echo 'error: bad type' >&2; exit 5")},
	)

	res, err := s.Run(context.Background(), dir, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "=== lint (exit 3) ===\nE501 line too long\n")
	assert.Contains(t, res.Stderr, "=== types (exit 5) ===\nerror: bad type\n")
	assert.FileExists(t, dir+"/test.ran")
}

func TestSuite_SharedTimeout(t *testing.T) {
	s := suite(t,
		Check{Name: "test", Runner: shell(t, "echo fast")},
		Check{Name: "slow", Runner: shell(t, "echo started; sleep 30")},
	)

	start := time.Now()
	_, err := s.Run(context.Background(), t.TempDir(), 500*time.Millisecond)

	var timeout *models.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 500*time.Millisecond, timeout.Timeout)
	assert.Contains(t, timeout.Stdout, "=== test (exit 0) ===\nfast\n")
	assert.Contains(t, timeout.Stdout, "=== slow (timed out) ===\nstarted\n")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestSuite_LaunchFailureNamesCheck(t *testing.T) {
	missing, err := New([]string{"/nonexistent/forge-lint"}, nil)
	require.NoError(t, err)
	s := suite(t,
		Check{Name: "test", Runner: shell(t, "true")},
		Check{Name: "lint", Runner: missing},
	)

	_, err = s.Run(context.Background(), t.TempDir(), 10*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `check "lint"`)
	assert.NotErrorIs(t, err, models.ErrTestTimeout)
}
