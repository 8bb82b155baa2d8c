package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTripsAddresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "borrowers.yaml")

	reg := New()
	require.True(t, reg.AddBorrower("Base", "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"))
	require.True(t, reg.AddBorrower("base", "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))
	require.False(t, reg.AddBorrower("BASE", "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), "chain and address keys are case-insensitive")
	require.True(t, reg.AddBorrower("bsc", "0xcccccccccccccccccccccccccccccccccccccccc"))
	require.NoError(t, reg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
	}, loaded.Borrowers("base"))
	require.ElementsMatch(t, []string{"0xcccccccccccccccccccccccccccccccccccccccc"}, loaded.Borrowers("bsc"))
}

func TestSaveCapitalizesChainNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "borrowers.yaml")

	reg := New()
	reg.AddBorrower("base", "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, reg.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "Base:")
	require.NotContains(t, string(raw), "\nbase:")
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Empty(t, reg.Chains())
}

func TestLastScannedBlockRoundTrip(t *testing.T) {
	reg := New()
	_, ok := reg.LastScannedBlock("base")
	require.False(t, ok)

	reg.SetLastScannedBlock("Base", 12345)
	block, ok := reg.LastScannedBlock("base")
	require.True(t, ok)
	require.Equal(t, uint64(12345), block)
}
