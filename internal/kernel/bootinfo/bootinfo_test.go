package bootinfo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3sys/kernel/internal/kernel/bootinfo"
)

func sampleBoot() *bootinfo.Boot {
	return &bootinfo.Boot{
		Info: bootinfo.Info{ModCount: 1, TileCount: 2, MemCount: 1},
		Mods: []bootinfo.Mod{
			{Addr: 0x1000, Size: 0x2000, Name: "root"},
		},
		Tiles: []bootinfo.Tile{
			{ID: 1, Desc: 0xAA},
			{ID: 2, Desc: 0xBB},
		},
		Mems: []bootinfo.Mem{
			{Global: 0x100000, Size: 0x10000, Reserved: false},
		},
	}
}

func TestEncodeDecode_RoundTrips(t *testing.T) {
	b := sampleBoot()
	data, err := bootinfo.Encode(b)
	require.NoError(t, err)

	got, err := bootinfo.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, b.Info, got.Info)
	assert.Equal(t, b.Mods, got.Mods)
	assert.Equal(t, b.Tiles, got.Tiles)
	assert.Equal(t, b.Mems, got.Mems)
	assert.NotEqual(t, got.SessionID.String(), "")
}

func TestDecode_RejectsTruncatedBuffers(t *testing.T) {
	_, err := bootinfo.Decode([]byte{1, 2, 3})
	assert.Error(t, err)

	b := sampleBoot()
	data, err := bootinfo.Encode(b)
	require.NoError(t, err)

	_, err = bootinfo.Decode(data[:len(data)-4])
	assert.Error(t, err)
}

func TestEncode_RejectsMismatchedCounts(t *testing.T) {
	b := sampleBoot()
	b.Info.ModCount = 5
	_, err := bootinfo.Encode(b)
	assert.Error(t, err)
}

func TestEncode_RejectsOversizedModuleName(t *testing.T) {
	b := &bootinfo.Boot{
		Info: bootinfo.Info{ModCount: 1},
		Mods: []bootinfo.Mod{{Name: string(make([]byte, 65))}},
	}
	_, err := bootinfo.Encode(b)
	assert.Error(t, err)
}
