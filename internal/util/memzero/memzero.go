// Package memzero wipes secret material once it is no longer needed.
package memzero

// Zero overwrites every byte of each buffer.
func Zero(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
}
