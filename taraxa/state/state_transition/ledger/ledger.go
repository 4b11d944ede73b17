// Package ledger is a small deterministic executor: raw key writes plus
// 256-bit balances. It is not a VM.
package ledger

import (
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/state/state_transition"
)

type Op uint8

const (
	OpSet Op = iota
	OpDelete
	OpMint
	OpTransfer
	// OpSetBlob stores DA blob number Index under Key
	OpSetBlob
	// OpFail writes Key then rejects the transaction
	OpFail
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOverflow            = errors.New("balance overflow")
	ErrRejected            = errors.New("rejected")
)

type Tx struct {
	Op     Op
	Key    []byte
	Value  []byte
	From   []byte
	To     []byte
	Amount []byte
	Index  uint64
}

func (tx *Tx) Encode() []byte {
	b, err := rlp.EncodeToBytes(tx)
	if err != nil {
		panic(err)
	}
	return b
}

func Set(key, value string) []byte {
	return (&Tx{Op: OpSet, Key: []byte(key), Value: []byte(value)}).Encode()
}

func Delete(key string) []byte {
	return (&Tx{Op: OpDelete, Key: []byte(key)}).Encode()
}

func Mint(to string, amount uint64) []byte {
	return (&Tx{Op: OpMint, To: []byte(to), Amount: uint256.NewInt(amount).Bytes()}).Encode()
}

func Transfer(from, to string, amount uint64) []byte {
	return (&Tx{Op: OpTransfer, From: []byte(from), To: []byte(to), Amount: uint256.NewInt(amount).Bytes()}).Encode()
}

func SetBlob(key string, index uint64) []byte {
	return (&Tx{Op: OpSetBlob, Key: []byte(key), Index: index}).Encode()
}

func Fail(key string) []byte {
	return (&Tx{Op: OpFail, Key: []byte(key), Value: []byte("partial")}).Encode()
}

func BalanceKey(account []byte) []byte {
	return append([]byte("balance/"), account...)
}

type Executor struct{}

var _ state_transition.Executor = Executor{}

func (Executor) Execute(ws *state_transition.WorkingSet, raw state_transition.Transaction, da [][]byte) error {
	var tx Tx
	if err := rlp.DecodeBytes(raw, &tx); err != nil {
		return errors.Wrap(err, "malformed transaction")
	}
	switch tx.Op {
	case OpSet:
		ws.Put(tx.Key, tx.Value)
	case OpDelete:
		ws.Delete(tx.Key)
	case OpMint:
		bal, err := Balance(ws, tx.To)
		if err != nil {
			return err
		}
		if _, overflow := bal.AddOverflow(bal, amount(&tx)); overflow {
			return ErrOverflow
		}
		setBalance(ws, tx.To, bal)
	case OpTransfer:
		from, err := Balance(ws, tx.From)
		if err != nil {
			return err
		}
		if _, underflow := from.SubOverflow(from, amount(&tx)); underflow {
			return ErrInsufficientBalance
		}
		setBalance(ws, tx.From, from)
		to, err := Balance(ws, tx.To)
		if err != nil {
			return err
		}
		if _, overflow := to.AddOverflow(to, amount(&tx)); overflow {
			return ErrOverflow
		}
		setBalance(ws, tx.To, to)
	case OpSetBlob:
		if tx.Index >= uint64(len(da)) {
			return errors.Errorf("no DA blob %d", tx.Index)
		}
		ws.Put(tx.Key, da[tx.Index])
	case OpFail:
		ws.Put(tx.Key, tx.Value)
		return ErrRejected
	default:
		return errors.Errorf("unknown op %d", tx.Op)
	}
	return nil
}

func amount(tx *Tx) *uint256.Int {
	return new(uint256.Int).SetBytes(tx.Amount)
}

type Getter interface {
	Get(key []byte) ([]byte, error)
}

// Balance reads the balance of account; absent accounts hold zero.
func Balance(r Getter, account []byte) (*uint256.Int, error) {
	b, err := r.Get(BalanceKey(account))
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(b), nil
}

func setBalance(ws *state_transition.WorkingSet, account []byte, bal *uint256.Int) {
	ws.Put(BalanceKey(account), bal.Bytes())
}
