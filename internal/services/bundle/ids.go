package bundle

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// Id spaces.
const (
	MaxDeviceID = 1<<31 - 1
	MaxPreKeyID = 1<<24 - 1
)

// ErrIDSpaceExhausted is returned when every id in the space is excluded.
var ErrIDSpaceExhausted = errors.New("id space exhausted")

// RandomID draws a uniformly random id in [1, max] that is not in exclude.
func RandomID(max uint32, exclude map[uint32]struct{}) (uint32, error) {
	if max == 0 || inRange(max, exclude) == uint64(max) {
		return 0, ErrIDSpaceExhausted
	}
	n := big.NewInt(int64(max))
	for {
		v, err := rand.Int(rand.Reader, n)
		if err != nil {
			return 0, err
		}
		id := uint32(v.Int64()) + 1
		if _, taken := exclude[id]; !taken {
			return id, nil
		}
	}
}

// inRange counts the ids of exclude that fall in [1, max].
func inRange(max uint32, exclude map[uint32]struct{}) uint64 {
	var n uint64
	for id := range exclude {
		if id >= 1 && id <= max {
			n++
		}
	}
	return n
}
