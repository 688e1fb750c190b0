package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	walletA = "GAOOKQ7QW6ACTGQUD3R2DJHWQX6ICXFW6XW7FMIKSMDKRTFQSGFLPUV5"
	walletB = "GBRPYHIL2CI3FNQ4BXLFMNDLFJUNPU2HY3ZMFSHONUCEOASW7QC7OX2H"
)

func TestClassify_Lists(t *testing.T) {
	s := NewSnapshot(Lists{
		Whitelist: []string{strings.ToLower(walletA)},
		Blocklist: []string{" " + walletB + " "},
	})

	assert.Equal(t, Classification{Whitelisted: true}, s.Classify(walletA))
	assert.Equal(t, Classification{Blocked: true}, s.Classify(walletB))
	assert.Equal(t, Classification{}, s.Classify("GOTHER"))
}

func TestClassify_BlocklistWins(t *testing.T) {
	s := NewSnapshot(Lists{
		Whitelist: []string{walletA},
		Blocklist: []string{walletA},
	})

	got := s.Classify(walletA)
	assert.True(t, got.Blocked)
	assert.False(t, got.Whitelisted)
}

func TestClassify_CollapsesAmbiguousZero(t *testing.T) {
	// Operator typed digit zero where the address has letter O.
	typo := strings.Replace(walletA, "OO", "00", 1)
	require.NotEqual(t, walletA, typo)

	s := NewSnapshot(Lists{Blocklist: []string{typo}})

	assert.True(t, s.Classify(walletA).Blocked)
}

func TestClassify_NilAndEmpty(t *testing.T) {
	var s *Snapshot
	assert.Equal(t, Classification{}, s.Classify(walletA))
	assert.Equal(t, Classification{}, Empty().Classify(""))
}

func TestSizes_CountsDistinctEntries(t *testing.T) {
	s := NewSnapshot(Lists{
		Whitelist: []string{walletA, strings.ToLower(walletA), ""},
		Blocklist: []string{walletB},
	})

	w, b := s.Sizes()
	assert.Equal(t, 1, w)
	assert.Equal(t, 1, b)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("TEST_WHITELIST", walletA+", ,"+walletB)
	t.Setenv("TEST_BLOCKLIST", "")

	lists := FromEnv("TEST_WHITELIST", "TEST_BLOCKLIST")
	assert.Equal(t, []string{walletA, walletB}, lists.Whitelist)
	assert.Empty(t, lists.Blocklist)
}

func TestLoadFile_MergesWithEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := "whitelist:\n  - " + walletA + "\nblocklist:\n  - " + walletB + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	fileLists, err := LoadFile(path)
	require.NoError(t, err)

	merged := Merge(fileLists, Lists{Whitelist: []string{"GEXTRA"}})
	s := NewSnapshot(merged)

	assert.True(t, s.Classify(walletA).Whitelisted)
	assert.True(t, s.Classify(walletB).Blocked)
	assert.True(t, s.Classify("GEXTRA").Whitelisted)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
