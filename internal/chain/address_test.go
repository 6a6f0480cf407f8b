package chain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("  0x2c7536e3605d9c16a7a3d7b1898e529396a65c23 ")
	require.NoError(t, err)
	require.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", got)

	for _, bad := range []string{
		"",
		"2c7536e3605d9c16a7a3d7b1898e529396a65c23",
		"0x2c7536e3605d9c16a7a3d7b1898e529396a65c",
		"0xzz7536e3605d9c16a7a3d7b1898e529396a65c23",
		"0x0000000000000000000000000000000000000000",
	} {
		_, err := NormalizeAddress(bad)
		require.ErrorIs(t, err, ErrInvalidAddress, bad)
	}
}

func TestSameAddress(t *testing.T) {
	require.True(t, SameAddress("0x2c7536e3605d9c16a7a3d7b1898e529396a65c23", "0x2C7536E3605D9C16A7A3D7B1898E529396A65C23"))
	require.False(t, SameAddress("0x2c7536e3605d9c16a7a3d7b1898e529396a65c23", "0x00000000000000000000000000000000000000a1"))
	require.False(t, SameAddress("nope", "nope"))
}

func TestDefaultWSEndpoint(t *testing.T) {
	require.Equal(t, "wss://rpc.example.org/v1", DefaultWSEndpoint("https://rpc.example.org/v1/"))
	require.Equal(t, "ws://localhost:8545", DefaultWSEndpoint("http://localhost:8545"))
	require.Equal(t, "ws://localhost:8546", DefaultWSEndpoint("ws://localhost:8546"))
	require.Equal(t, "", DefaultWSEndpoint("ipc:///tmp/geth.ipc"))
}

func TestParseHead(t *testing.T) {
	n, ok, err := ParseHead([]byte(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0x9ce5","result":{"number":"0x1b4","hash":"0x01"}}}`))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(436), n)

	_, ok, err = ParseHead([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x9ce5"}`))
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = ParseHead([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"subscriptions not supported"}}`))
	require.EqualError(t, err, "subscriptions not supported")
}
