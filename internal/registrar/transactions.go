package registrar

import (
	"strconv"
	"strings"
)

// Transaction links a client-side request (by its Call-ID) to the
// upstream request that was challenged, so the client's retry continues
// the same upstream Call-ID with an advancing CSeq.
type Transaction struct {
	ACallID string `json:"a_call_id"`
	BCallID string `json:"b_call_id"`
	BCSeq   string `json:"b_cseq"`
}

// AddTransaction records (or replaces) the transaction keyed by ACallID.
func (d *Directory) AddTransaction(tx Transaction) {
	d.mu.Lock()
	d.transactions[tx.ACallID] = &tx
	d.mu.Unlock()

	d.logger.Debug("pending transaction added",
		"call_id", tx.ACallID,
		"b_call_id", tx.BCallID,
		"b_cseq", tx.BCSeq,
	)
}

// GetNextCallIDAndCSeq advances the stored CSeq number by one and returns
// the upstream Call-ID with the advanced CSeq. It reports false when no
// transaction exists for aCallID or its CSeq is unparseable.
func (d *Directory) GetNextCallIDAndCSeq(aCallID string) (callID, cseq string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, found := d.transactions[aCallID]
	if !found {
		return "", "", false
	}

	next, valid := incrementCSeq(tx.BCSeq)
	if !valid {
		return "", "", false
	}
	tx.BCSeq = next
	return tx.BCallID, next, true
}

// HasTransaction reports whether a transaction exists for aCallID.
func (d *Directory) HasTransaction(aCallID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.transactions[aCallID]
	return ok
}

// RemoveTransaction deletes the transaction for aCallID, if any.
func (d *Directory) RemoveTransaction(aCallID string) {
	d.mu.Lock()
	delete(d.transactions, aCallID)
	d.mu.Unlock()
}

// TransactionCount returns the number of pending transactions.
func (d *Directory) TransactionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transactions)
}

// maxCSeq is the largest sequence number a CSeq header may carry.
const maxCSeq = 1<<31 - 1

// CSeqNumber returns the sequence number of a CSeq value like "41 INVITE".
// It reports false for a malformed value or one above 2^31-1.
func CSeqNumber(cseq string) (uint32, bool) {
	num, _, _ := strings.Cut(strings.TrimSpace(cseq), " ")
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil || n > maxCSeq {
		return 0, false
	}
	return uint32(n), true
}

// incrementCSeq turns "41 INVITE" into "42 INVITE". It fails rather than
// wrap when the number is already at the limit.
func incrementCSeq(cseq string) (string, bool) {
	_, method, found := strings.Cut(strings.TrimSpace(cseq), " ")
	if !found {
		return "", false
	}
	n, ok := CSeqNumber(cseq)
	if !ok || n == maxCSeq {
		return "", false
	}
	method = strings.TrimSpace(method)
	if method == "" {
		return "", false
	}
	return strconv.FormatUint(uint64(n)+1, 10) + " " + method, true
}
