package icmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func buildEchoRequest(id, seq uint16, data []byte) []byte {
	b := make([]byte, 8+len(data))
	b[0] = byte(TypeEchoRequest)
	b[1] = 0
	b[4], b[5] = byte(id>>8), byte(id)
	b[6], b[7] = byte(seq>>8), byte(seq)
	copy(b[8:], data)
	return b
}

func TestParse_EchoRequest(t *testing.T) {
	b := buildEchoRequest(0x1234, 1, []byte("ping"))
	m, err := Parse(b)
	assert.NoError(t, err)
	assert.Equal(t, TypeEchoRequest, m.Type)
	assert.NotNil(t, m.Echo)
	assert.Equal(t, uint16(0x1234), m.Echo.ID)
	assert.Equal(t, uint16(1), m.Echo.Seq)
	assert.Equal(t, []byte("ping"), m.Echo.Data)
}

func TestParse_NonEchoHasNoEchoBody(t *testing.T) {
	b := []byte{byte(TypeDestinationUnreachable), 1, 0, 0, 0, 0, 0, 0}
	m, err := Parse(b)
	assert.NoError(t, err)
	assert.Nil(t, m.Echo)
	assert.Equal(t, TypeDestinationUnreachable, m.Type)
}

func TestParse_TooShort(t *testing.T) {
	_, err := Parse([]byte{8, 0})
	assert.Error(t, err)
}

func TestClassifyType_Unknown(t *testing.T) {
	assert.Equal(t, TypeUnknown, ClassifyType(250))
}

func TestReply_MirrorsIDAndSeq(t *testing.T) {
	b := buildEchoRequest(42, 7, []byte("abc"))
	m, err := Parse(b)
	assert.NoError(t, err)

	reply := m.Reply()
	assert.Equal(t, byte(TypeEchoReply), reply[0])
	assert.Equal(t, m.Code, reply[1])
	assert.Equal(t, uint16(42), beUint16(reply[4:6]))
	assert.Equal(t, uint16(7), beUint16(reply[6:8]))
	assert.Equal(t, []byte("abc"), reply[8:])

	padded := append([]byte(nil), reply...)
	if len(padded)%2 != 0 {
		padded = append(padded, 0)
	}
	assert.True(t, verifySum(padded))
}

func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func verifySum(b []byte) bool {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return sum&0xFFFF == 0xFFFF
}
