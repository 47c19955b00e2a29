package rtpsource

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/rtd/media"
)

type packetLog struct {
	mu   sync.Mutex
	pkts []*rtp.Packet
}

func (l *packetLog) HandlePacket(p *rtp.Packet) {
	l.mu.Lock()
	l.pkts = append(l.pkts, p)
	l.mu.Unlock()
}

func (l *packetLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pkts)
}

func send(t *testing.T, conn net.Conn, p *rtp.Packet) {
	t.Helper()
	b, err := p.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)
}

func TestReceiverDeliversPackets(t *testing.T) {
	t.Parallel()
	h := &packetLog{}
	r, err := Listen(ReceiverConfig{
		Addr:         "127.0.0.1:0",
		Kind:         media.KindVideo,
		PayloadTypes: []uint8{102},
		IdleTimeout:  200 * time.Millisecond,
	}, h, nil)
	require.NoError(t, err)
	defer r.Close()

	var mu sync.Mutex
	var states []bool
	r.OnStateChange(func(active bool) {
		mu.Lock()
		states = append(states, active)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	conn, err := net.DialUDP("udp", nil, r.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()

	send(t, conn, packet(1, 3000, true, 0x65, 0x01))
	filtered := packet(2, 3000, true, 0x01)
	filtered.PayloadType = 8
	send(t, conn, filtered)
	_, err = conn.Write([]byte{0x00, 0x01})
	require.NoError(t, err)
	send(t, conn, packet(3, 6000, true, 0x41, 0x02))

	require.Eventually(t, func() bool { return h.len() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return r.Stats().Invalid == 1 && r.Stats().Filtered == 1 },
		2*time.Second, 10*time.Millisecond)

	st := r.Stats()
	assert.Equal(t, uint64(2), st.Packets)
	assert.Equal(t, uint32(0x1234), st.LastSSRC)

	h.mu.Lock()
	assert.Equal(t, []byte{0x65, 0x01}, h.pkts[0].Payload)
	h.mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, 2*time.Second, 10*time.Millisecond, "idle timeout should report inactive")
	mu.Lock()
	assert.Equal(t, []bool{true, false}, states)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReceiverClose(t *testing.T) {
	t.Parallel()
	r, err := Listen(ReceiverConfig{Addr: "127.0.0.1:0", Kind: media.KindAudio}, HandlerFunc(func(*rtp.Packet) {}), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestListenBadAddress(t *testing.T) {
	t.Parallel()
	_, err := Listen(ReceiverConfig{Addr: "not-an-address"}, HandlerFunc(func(*rtp.Packet) {}), nil)
	assert.Error(t, err)
}

func TestReceiverAllowPayloadTypesAfterListen(t *testing.T) {
	t.Parallel()
	h := &packetLog{}
	r, err := Listen(ReceiverConfig{Addr: "127.0.0.1:0", Kind: media.KindVideo}, h, nil)
	require.NoError(t, err)
	defer r.Close()
	r.AllowPayloadTypes(102)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	conn, err := net.DialUDP("udp", nil, r.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()

	stray := packet(500, 9000, true, 0x65, 0x01)
	stray.PayloadType = 103
	send(t, conn, stray)
	send(t, conn, packet(1, 3000, true, 0x65, 0x01))

	require.Eventually(t, func() bool { return h.len() == 1 && r.Stats().Filtered == 1 },
		2*time.Second, 10*time.Millisecond)
	h.mu.Lock()
	assert.Equal(t, uint8(102), h.pkts[0].PayloadType)
	h.mu.Unlock()
}

func TestReceiverAllowPayloadTypesReset(t *testing.T) {
	t.Parallel()
	r, err := Listen(ReceiverConfig{Addr: "127.0.0.1:0", PayloadTypes: []uint8{96}}, HandlerFunc(func(*rtp.Packet) {}), nil)
	require.NoError(t, err)
	defer r.Close()

	assert.True(t, r.allowed[96])
	r.AllowPayloadTypes(97, 98)
	assert.False(t, r.allowed[96])
	assert.True(t, r.allowed[98])
	r.AllowPayloadTypes()
	assert.Nil(t, r.allowed)
}
