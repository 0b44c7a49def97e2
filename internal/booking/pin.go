package booking

import (
	"math/rand"
	"strconv"
)

// NewPIN returns a uniform 4-digit trip PIN in [1000, 9999].
func NewPIN() string {
	return strconv.Itoa(1000 + rand.Intn(9000))
}
