package relaypb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexp2p/go-nexp2p/pkg/types"
)

const testPeerID = types.PeerID("4XTTMGDFhyUW3TbsNznW5REbrDXxZnZ1Fb5bhGa8nWWF")

func testAddrs(t *testing.T) []*types.Multiaddr {
	t.Helper()
	a, err := types.NewMultiaddr("/ip4/1.2.3.4/tcp/4001")
	require.NoError(t, err)
	b, err := types.NewMultiaddr("/ip4/1.2.3.4/udp/4001/quic-v1")
	require.NoError(t, err)
	return []*types.Multiaddr{a, b}
}

// assertHopEqual 比较 HOP 消息各字段
func assertHopEqual(t *testing.T, want, got *HopMessage) {
	t.Helper()
	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, want.Status, got.Status)

	if want.Peer == nil {
		assert.Nil(t, got.Peer)
	} else {
		require.NotNil(t, got.Peer)
		assert.Equal(t, want.Peer.ID, got.Peer.ID)
		require.Len(t, got.Peer.Addrs, len(want.Peer.Addrs))
		for i := range want.Peer.Addrs {
			assert.True(t, want.Peer.Addrs[i].Equal(got.Peer.Addrs[i]))
		}
	}

	if want.Reservation == nil {
		assert.Nil(t, got.Reservation)
	} else {
		require.NotNil(t, got.Reservation)
		assert.Equal(t, want.Reservation.Expire, got.Reservation.Expire)
		assert.Equal(t, want.Reservation.Voucher, got.Reservation.Voucher)
		require.Len(t, got.Reservation.Addrs, len(want.Reservation.Addrs))
		for i := range want.Reservation.Addrs {
			assert.True(t, want.Reservation.Addrs[i].Equal(got.Reservation.Addrs[i]))
		}
	}

	if want.Limit == nil {
		assert.Nil(t, got.Limit)
	} else {
		require.NotNil(t, got.Limit)
		assert.Equal(t, want.Limit.DurationSeconds, got.Limit.DurationSeconds)
		assert.Equal(t, want.Limit.Data, got.Limit.Data)
	}
}

// TestHop_RoundTrip 测试 HOP 消息各变体的编解码往返
func TestHop_RoundTrip(t *testing.T) {
	addrs := testAddrs(t)

	cases := []struct {
		name string
		msg  *HopMessage
	}{
		{"reserve", &HopMessage{Type: HopReserve}},
		{"connect", &HopMessage{
			Type: HopConnect,
			Peer: &Peer{ID: testPeerID, Addrs: addrs},
		}},
		{"status_ok_with_reservation", &HopMessage{
			Type:   HopStatus,
			Status: StatusOK,
			Reservation: &Reservation{
				Expire:  1234567890,
				Addrs:   addrs,
				Voucher: []byte{1, 2, 3},
			},
			Limit: &Limit{DurationSeconds: 120, Data: 1 << 17},
		}},
		{"status_error", &HopMessage{Type: HopStatus, Status: StatusResourceLimitExceeded}},
		{"connect_with_limit", &HopMessage{
			Type:  HopConnect,
			Peer:  &Peer{ID: testPeerID},
			Limit: &Limit{Data: 4096},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := UnmarshalHop(MarshalHop(tc.msg))
			require.NoError(t, err)
			assertHopEqual(t, tc.msg, got)
		})
	}
}

// TestStop_RoundTrip 测试 STOP 消息各变体的编解码往返
func TestStop_RoundTrip(t *testing.T) {
	cases := []*StopMessage{
		{Type: StopConnect, Peer: &Peer{ID: testPeerID}},
		{Type: StopConnect, Peer: &Peer{ID: testPeerID}, Limit: &Limit{DurationSeconds: 60, Data: 1024}},
		{Type: StopStatus, Status: StatusOK},
		{Type: StopStatus, Status: StatusConnectionFailed},
	}

	for _, msg := range cases {
		got, err := UnmarshalStop(MarshalStop(msg))
		require.NoError(t, err)
		assert.Equal(t, msg.Type, got.Type)
		assert.Equal(t, msg.Status, got.Status)
		if msg.Peer != nil {
			require.NotNil(t, got.Peer)
			assert.Equal(t, msg.Peer.ID, got.Peer.ID)
		}
		if msg.Limit != nil {
			require.NotNil(t, got.Limit)
			assert.Equal(t, *msg.Limit, *got.Limit)
		}
	}
}

// TestFramed_ReadWrite 测试长度前缀流式读写
func TestFramed_ReadWrite(t *testing.T) {
	var buf bytes.Buffer

	want := &HopMessage{Type: HopStatus, Status: StatusOK}
	require.NoError(t, WriteHop(&buf, want))

	got, err := ReadHop(&buf)
	require.NoError(t, err)
	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, want.Status, got.Status)
}

// TestFramed_TooLarge 测试超长消息拒绝
func TestFramed_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	// 声称超大长度
	buf.Write([]byte{0xff, 0xff, 0xff, 0x7f})

	_, err := ReadHop(&buf)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

// TestUnmarshal_Garbage 测试非法字节
func TestUnmarshal_Garbage(t *testing.T) {
	_, err := UnmarshalHop([]byte{0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformed)
}
