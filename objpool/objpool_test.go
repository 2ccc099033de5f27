package objpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetByteBufferZeroLength(t *testing.T) {
	Configure(Config{Enabled: true, MaxSize: 1024})
	buf := GetByteBuffer()
	assert.Len(t, buf, 0)
	buf = append(buf, 1, 2, 3)
	PutByteBuffer(buf)

	buf2 := GetByteBuffer()
	assert.Len(t, buf2, 0)
}

func TestPutByteBufferRejectsOversized(t *testing.T) {
	Configure(Config{Enabled: true, MaxSize: 1024})
	huge := make([]byte, 0, 2*1024*1024)
	PutByteBuffer(huge) // must not panic; silently dropped
}

func TestDisabledBypassesPool(t *testing.T) {
	Configure(Config{Enabled: false, MaxSize: 1024})
	assert.False(t, IsEnabled())
	buf := GetByteBuffer()
	assert.NotNil(t, buf)
	Configure(Config{Enabled: true, MaxSize: 1024})
}

func TestCandidateSliceRoundTrip(t *testing.T) {
	Configure(Config{Enabled: true, MaxSize: 1024})
	s := GetCandidateSlice()
	s = append(s, CandidateSlot{RuleID: 1})
	PutCandidateSlice(s)

	s2 := GetCandidateSlice()
	assert.Len(t, s2, 0)
}

func TestGenericPoolRoundTrip(t *testing.T) {
	Configure(Config{Enabled: true, MaxSize: 1024})
	p := NewPool[int](8, 1024)

	s := p.Get()
	assert.Len(t, s, 0)
	s = append(s, 1, 2, 3)
	p.Put(s)

	s2 := p.Get()
	assert.Len(t, s2, 0)
}

func TestGenericPoolRejectsOversized(t *testing.T) {
	Configure(Config{Enabled: true, MaxSize: 4})
	p := NewPool[int](2, 4)
	huge := make([]int, 0, 1024)
	p.Put(huge) // must not panic; silently dropped
	Configure(Config{Enabled: true, MaxSize: 1024})
}

func TestGenericPoolDisabledBypassesPool(t *testing.T) {
	Configure(Config{Enabled: false, MaxSize: 1024})
	p := NewPool[int](8, 1024)
	s := p.Get()
	assert.NotNil(t, s)
	Configure(Config{Enabled: true, MaxSize: 1024})
}
