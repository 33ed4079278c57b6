package accel_test

import (
	"testing"

	"codeberg.org/mutker/nvidiastress/internal/accel"
	"codeberg.org/mutker/nvidiastress/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostBackendDevices(t *testing.T) {
	b := accel.NewHostBackend(2, 1<<20)

	n, err := b.DeviceCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dev, err := b.Open(1)
	require.NoError(t, err)
	info := dev.Info()
	assert.Equal(t, 1, info.Index)
	assert.Equal(t, uint64(1<<20), info.TotalMemory)
	assert.NotEmpty(t, info.Name)

	_, err = b.Open(2)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, accel.ErrDeviceNotFound))
}

func TestHostAllocationAccounting(t *testing.T) {
	b := accel.NewHostBackend(1, 1<<20)
	dev, err := b.Open(0)
	require.NoError(t, err)

	buf, err := dev.Allocate(512 << 10)
	require.NoError(t, err)
	require.NoError(t, buf.Fill(0xA5))
	assert.Equal(t, uint64(512<<10), buf.Size())

	free, total, err := dev.MemoryInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), total)
	assert.Equal(t, uint64(512<<10), free)

	_, err = dev.Allocate(768 << 10)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, accel.ErrOutOfMemory))

	require.NoError(t, buf.Free())
	require.NoError(t, buf.Free(), "double free is harmless")
	free, _, _ = dev.MemoryInfo()
	assert.Equal(t, uint64(1<<20), free)
}

func TestHostDevicesHaveSeparateArenas(t *testing.T) {
	b := accel.NewHostBackend(2, 1<<20)
	d0, _ := b.Open(0)
	d1, _ := b.Open(1)

	_, err := d0.Allocate(1 << 20)
	require.NoError(t, err)

	free, _, _ := d1.MemoryInfo()
	assert.Equal(t, uint64(1<<20), free)
}

func TestHostMatMulAndAxpy(t *testing.T) {
	b := accel.NewHostBackend(1, 1<<20)
	dev, _ := b.Open(0)

	a, err := dev.NewMatrix(4)
	require.NoError(t, err)
	m, err := dev.NewMatrix(4)
	require.NoError(t, err)
	c, err := dev.NewMatrix(4)
	require.NoError(t, err)
	assert.Equal(t, accel.MatrixBytes(4), a.Size())

	// 0x3F bytes -> 0x3F3F3F3F ~= 0.7471
	require.NoError(t, a.Fill(0x3F))
	require.NoError(t, m.Fill(0x3F))

	require.NoError(t, dev.MatMul(c, a, m))
	require.NoError(t, dev.Axpy(a, c, 1e-6))
	require.NoError(t, dev.Synchronize())

	assert.Error(t, dev.MatMul(a, a, m), "aliasing output must be rejected")

	small, err := dev.NewMatrix(2)
	require.NoError(t, err)
	assert.Error(t, dev.MatMul(c, a, small), "dimension mismatch must be rejected")

	require.NoError(t, small.Free())
	assert.Error(t, dev.Axpy(a, small, 1), "freed matrix must be rejected")
}

func TestHostMatrixTooLarge(t *testing.T) {
	b := accel.NewHostBackend(1, 1024)
	dev, _ := b.Open(0)

	_, err := dev.NewMatrix(64)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, accel.ErrOutOfMemory))
}

func TestMatrixBytes(t *testing.T) {
	assert.Equal(t, uint64(256<<20), accel.MatrixBytes(8192))
}
