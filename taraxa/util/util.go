package util

import (
	"encoding/binary"
	"sync"
)

func LockUnlock(l sync.Locker) func() {
	l.Lock()
	return l.Unlock
}

func RLockRUnlock(l *sync.RWMutex) func() {
	l.RLock()
	return l.RUnlock
}

func ENC_b_endian_64(v uint64) []byte {
	var ret [8]byte
	binary.BigEndian.PutUint64(ret[:], v)
	return ret[:]
}

func DEC_b_endian_64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	ret := make([]byte, len(b))
	copy(ret, b)
	return ret
}
