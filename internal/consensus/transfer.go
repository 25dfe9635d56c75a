package consensus

import (
	"encoding/binary"
	"errors"
	"fmt"

	"batchledger/internal/commitment"
	"batchledger/internal/merkle"
	"batchledger/internal/rangeproof"
)

// Transfer is one submitted value transfer. It is immutable once submitted; the engine only
// assigns Ordinal.
type Transfer struct {
	ID         string                `json:"id"`
	Ordinal    uint64                `json:"ordinal"`
	Sender     string                `json:"sender"`
	Receiver   string                `json:"receiver"`
	Amount     uint64                `json:"amount"`
	Sequence   uint64                `json:"sequence"`
	Salt       commitment.Salt       `json:"salt"`
	Commitment commitment.Commitment `json:"commitment"`
	Nullifier  commitment.Nullifier  `json:"nullifier"`
	RangeProof *rangeproof.Proof     `json:"rangeProof"`
}

// NewTransfer builds a fully populated transfer: fresh salt, commitment, nullifier and range proof.
func NewTransfer(proofs *rangeproof.System, sender, receiver string, amount, sequence uint64, secret commitment.SpendSecret) (*Transfer, error) {
	salt, err := commitment.NewSalt()
	if err != nil {
		return nil, err
	}
	t := &Transfer{
		Sender:   sender,
		Receiver: receiver,
		Amount:   amount,
		Sequence: sequence,
		Salt:     salt,
	}
	t.Commitment = t.Opening().Commit()
	t.Nullifier = commitment.ComputeNullifier(t.Commitment, sender, secret)
	t.ID = t.Commitment.Hex()
	t.RangeProof, err = proofs.Prove(t.Witness(), proofs.Params().MaxValue)
	if err != nil {
		return nil, fmt.Errorf("range proof for %s: %w", t.ID, err)
	}
	return t, nil
}

// Redacted returns a copy without the opening: sender, receiver, amount and salt are cleared.
// Commitment, nullifier and range proof remain, which is what an auditor of a decided batch
// can check; the fields themselves are in the disclosure vault.
func (t *Transfer) Redacted() *Transfer {
	cp := *t
	cp.Sender, cp.Receiver, cp.Amount = "", "", 0
	cp.Salt = commitment.Salt{}
	return &cp
}

// Opening returns the commitment opening carried by the transfer.
func (t *Transfer) Opening() commitment.Opening {
	return commitment.Opening{Sender: t.Sender, Receiver: t.Receiver, Amount: t.Amount, Salt: t.Salt}
}

// Witness returns the range proof witness of the transfer.
func (t *Transfer) Witness() rangeproof.Witness {
	return rangeproof.Witness{Value: t.Amount, Blinding: t.Opening().Blinding()}
}

// Leaf returns the Merkle leaf of the transfer:
// H(0x00 || cm || nf || len(sender) u16 || sender || len(receiver) u16 || receiver || amount u64 || seq u64).
func (t *Transfer) Leaf() merkle.Hash {
	buf := make([]byte, 0, 2*32+4+len(t.Sender)+len(t.Receiver)+16)
	buf = append(buf, t.Commitment[:]...)
	buf = append(buf, t.Nullifier[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(t.Sender)))
	buf = append(buf, t.Sender...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(t.Receiver)))
	buf = append(buf, t.Receiver...)
	buf = binary.BigEndian.AppendUint64(buf, t.Amount)
	buf = binary.BigEndian.AppendUint64(buf, t.Sequence)
	return merkle.LeafHash(buf)
}

// checkShape validates everything that does not need ledger state.
func (t *Transfer) checkShape(maxValue uint64) error {
	switch {
	case t == nil:
		return invalid("transfer", ErrEmptyField)
	case t.Sender == "":
		return invalid("sender", ErrEmptyField)
	case t.Receiver == "":
		return invalid("receiver", ErrEmptyField)
	case len(t.Sender) > 0xffff || len(t.Receiver) > 0xffff:
		return invalid("account", errors.New("identifier too long"))
	case t.Sender == t.Receiver:
		return invalid("receiver", ErrSelfTransfer)
	case t.Amount == 0 || t.Amount > maxValue:
		return invalid("amount", fmt.Errorf("%w: %d not in [1, %d]", ErrAmount, t.Amount, maxValue))
	case t.Commitment.IsZero() || t.Nullifier.IsZero():
		return invalid("commitment", ErrEmptyField)
	case t.RangeProof == nil:
		return invalid("range_proof", ErrEmptyField)
	}
	if !t.Opening().Matches(t.Commitment) {
		return invalid("commitment", ErrCommitmentMismatch)
	}
	if t.ID == "" {
		return invalid("id", ErrEmptyField)
	}
	return nil
}
