package asserts

import (
	"fmt"
	"strings"
)

// Holds panics when condition is false. Reserved for invariants whose
// violation means the process state can no longer be trusted.
func Holds(condition bool, msg ...string) bool {
	if !condition {
		if len(msg) == 0 {
			panic("assertion error")
		}
		panic(strings.Join(msg, " "))
	}
	return true
}

func EQ(a, b interface{}) bool {
	if a != b {
		panic(fmt.Sprint(a, " != ", b))
	}
	return true
}
