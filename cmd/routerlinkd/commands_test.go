package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/routerlink"
	"github.com/opd-ai/routerlink/crypto"
	"github.com/opd-ai/routerlink/netdb"
)

func TestListenPort(t *testing.T) {
	port, ok := listenPort(":9150")
	assert.True(t, ok)
	assert.Equal(t, uint16(9150), port)

	_, ok = listenPort(":0")
	assert.False(t, ok)
	_, ok = listenPort("no-port")
	assert.False(t, ok)
}

func TestLocalDescriptor(t *testing.T) {
	static, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	opts := routerlink.NewOptions()
	desc := localDescriptor(static, opts)
	assert.Empty(t, desc.Addresses)
	assert.Equal(t, netdb.IdentityFromKey(static.Public), desc.Identity())

	opts.PublicHost = "203.0.113.5"
	opts.DatagramListen = ":9151"
	desc = localDescriptor(static, opts)
	require.Len(t, desc.Addresses, 2)
	stream, ok := desc.StreamAddress()
	require.True(t, ok)
	assert.Equal(t, "203.0.113.5:9150", stream.String())
	dgram, ok := desc.DatagramAddress()
	require.True(t, ok)
	assert.Equal(t, uint16(9151), dgram.Port)
}

func TestSeedRouters(t *testing.T) {
	db, err := netdb.New(netdb.NewMemoryBackend(), 16)
	require.NoError(t, err)

	static, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	err = seedRouters(db, []routerlink.RouterConfig{{
		StaticKey: base58.Encode(static.Public[:]),
		Addresses: []netdb.Address{{Style: netdb.StyleStream, Host: "198.51.100.1", Port: 9150}},
	}})
	require.NoError(t, err)

	desc := db.FindRouter(netdb.IdentityFromKey(static.Public))
	require.NotNil(t, desc)
	assert.Len(t, desc.Addresses, 1)

	err = seedRouters(db, []routerlink.RouterConfig{{StaticKey: "not-base58-0OIl"}})
	assert.Error(t, err)
}

func TestIdentityCommand(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "routerlink.yaml")
	keyFile := filepath.Join(dir, "static.key")
	require.NoError(t, os.WriteFile(config, []byte("key_file: "+keyFile+"\nlog_level: warn\n"), 0o600))

	run := func() string {
		cmd := newRootCommand()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"--config", config, "identity"})
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	first := run()
	assert.True(t, strings.HasPrefix(first, "identity:"))
	assert.Equal(t, first, run())

	_, err := os.Stat(keyFile)
	assert.NoError(t, err)
}
