package ptyio

import (
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPort(t *testing.T, opts Options) Port {
	t.Helper()
	if opts.ReadCap == 0 {
		opts.ReadCap = 4096
	}
	if opts.WriteCap == 0 {
		opts.WriteCap = 4096
	}
	if opts.PollIntervalMs == 0 {
		opts.PollIntervalMs = 10
	}
	p, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(Options{ReadCap: 0, WriteCap: 4096})
	assert.Error(t, err)

	_, err = Open(Options{ReadCap: 4096, WriteCap: -1})
	assert.Error(t, err)
}

func TestPort_WriteReachesSlave(t *testing.T) {
	p := openTestPort(t, Options{})
	require.NotEmpty(t, p.Name())

	slave, err := os.OpenFile(p.Name(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer slave.Close()

	payload := []byte("hello over serial\n")
	n, err := p.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		rn, rerr := slave.Read(buf)
		if rerr == nil {
			got <- buf[:rn]
		}
	}()

	select {
	case data := <-got:
		assert.Equal(t, payload, data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data on slave device")
	}

	assert.Eventually(t, func() bool {
		return p.Stats().WriteBytesTotal == uint64(len(payload))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPort_SlaveInputHitsCallback(t *testing.T) {
	var mu sync.Mutex
	var received []byte

	p := openTestPort(t, Options{
		OnData: func(data []byte) {
			mu.Lock()
			received = append(received, data...)
			mu.Unlock()
		},
	})

	slave, err := os.OpenFile(p.Name(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer slave.Close()

	_, err = slave.Write([]byte("typed input"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(received) == "typed input"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint64(len("typed input")), p.Stats().ReadBytesTotal)
}

func TestPort_ReadIsNonBlocking(t *testing.T) {
	p := openTestPort(t, Options{})

	buf := make([]byte, 16)
	_, err := p.Read(buf)
	assert.ErrorIs(t, err, syscall.EAGAIN)
}

func TestPort_CloseIsIdempotent(t *testing.T) {
	p := openTestPort(t, Options{})

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)

	_, err = p.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrClosed)
}
