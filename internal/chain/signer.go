package chain

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/crypto"
)

// ethereumPath is m/44'/60'/0'/0/0.
var ethereumPath = []uint32{
	hdkeychain.HardenedKeyStart + 44,
	hdkeychain.HardenedKeyStart + 60,
	hdkeychain.HardenedKeyStart + 0,
	0,
	0,
}

// LoadSigner parses the treasury credential: a hex private key, or a BIP32 extended
// private key derived at m/44'/60'/0'/0/0. An empty credential yields a nil key.
func LoadSigner(credential string) (*ecdsa.PrivateKey, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, nil
	}
	if strings.HasPrefix(credential, "xprv") || strings.HasPrefix(credential, "tprv") {
		return deriveSigner(credential)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(credential, "0x"), "0X"))
	if err != nil {
		return nil, fmt.Errorf("parse treasury key: %w", err)
	}
	return key, nil
}

func deriveSigner(xprv string) (*ecdsa.PrivateKey, error) {
	key, err := hdkeychain.NewKeyFromString(xprv)
	if err != nil {
		return nil, fmt.Errorf("parse extended key: %w", err)
	}
	if !key.IsPrivate() {
		return nil, fmt.Errorf("extended key is not private")
	}
	for _, idx := range ethereumPath {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("derive child %d: %w", idx, err)
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return crypto.ToECDSA(priv.Serialize())
}
