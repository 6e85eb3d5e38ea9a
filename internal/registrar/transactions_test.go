package registrar

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactions_CSeqAdvancesOnEveryFetch(t *testing.T) {
	d := newTestDirectory(false)
	d.AddTransaction(Transaction{ACallID: "a-1", BCallID: "b-1", BCSeq: "1 INVITE"})

	for want := 2; want <= 4; want++ {
		callID, cseq, ok := d.GetNextCallIDAndCSeq("a-1")
		require.True(t, ok)
		assert.Equal(t, "b-1", callID)
		assert.Equal(t, strconv.Itoa(want)+" INVITE", cseq)
	}
}

func TestTransactions_Lifecycle(t *testing.T) {
	d := newTestDirectory(false)

	_, _, ok := d.GetNextCallIDAndCSeq("missing")
	assert.False(t, ok)

	d.AddTransaction(Transaction{ACallID: "a-2", BCallID: "b-2", BCSeq: "7 REGISTER"})
	assert.True(t, d.HasTransaction("a-2"))
	assert.Equal(t, 1, d.TransactionCount())

	d.RemoveTransaction("a-2")
	assert.False(t, d.HasTransaction("a-2"))
	assert.Equal(t, 0, d.TransactionCount())
}

func TestTransactions_UnparseableCSeq(t *testing.T) {
	d := newTestDirectory(false)
	d.AddTransaction(Transaction{ACallID: "a-3", BCallID: "b-3", BCSeq: "INVITE"})

	_, _, ok := d.GetNextCallIDAndCSeq("a-3")
	assert.False(t, ok)
}

func TestTransactions_CSeqAtLimitStartsOver(t *testing.T) {
	d := newTestDirectory(false)
	d.AddTransaction(Transaction{ACallID: "a-4", BCallID: "b-4", BCSeq: "2147483647 INVITE"})

	_, _, ok := d.GetNextCallIDAndCSeq("a-4")
	assert.False(t, ok)
}

func TestCSeqNumber(t *testing.T) {
	n, ok := CSeqNumber("42 INVITE")
	assert.True(t, ok)
	assert.Equal(t, uint32(42), n)

	_, ok = CSeqNumber("2147483648 INVITE")
	assert.False(t, ok)

	_, ok = CSeqNumber("INVITE")
	assert.False(t, ok)
}

func TestIncrementCSeq(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"1 INVITE", "2 INVITE", true},
		{"  41 SUBSCRIBE ", "42 SUBSCRIBE", true},
		{"99", "", false},
		{"x INVITE", "", false},
		{"-1 INVITE", "", false},
		{"", "", false},
		{"2147483646 INVITE", "2147483647 INVITE", true},
		{"2147483647 INVITE", "", false},
		{"4294967295 INVITE", "", false},
	}
	for _, tt := range tests {
		got, ok := incrementCSeq(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}
