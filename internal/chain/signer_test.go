package chain

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestLoadSignerHex(t *testing.T) {
	key, err := LoadSigner("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	require.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestLoadSignerEmpty(t *testing.T) {
	key, err := LoadSigner("  ")
	require.NoError(t, err)
	require.Nil(t, key)
}

func TestLoadSignerInvalid(t *testing.T) {
	_, err := LoadSigner("0x1234")
	require.Error(t, err)
	_, err = LoadSigner("xprvnotakey")
	require.Error(t, err)
}

func TestLoadSignerExtendedKey(t *testing.T) {
	seed := make([]byte, hdkeychain.RecommendedSeedLen)
	for i := range seed {
		seed[i] = byte(i)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)

	key, err := LoadSigner(master.String())
	require.NoError(t, err)

	child := master
	for _, idx := range ethereumPath {
		child, err = child.Derive(idx)
		require.NoError(t, err)
	}
	priv, err := child.ECPrivKey()
	require.NoError(t, err)
	require.Equal(t, priv.Serialize(), crypto.FromECDSA(key))

	rootPriv, err := master.ECPrivKey()
	require.NoError(t, err)
	require.NotEqual(t, rootPriv.Serialize(), crypto.FromECDSA(key))

	neutered, err := master.Neuter()
	require.NoError(t, err)
	_, err = LoadSigner(neutered.String())
	require.Error(t, err)
}
