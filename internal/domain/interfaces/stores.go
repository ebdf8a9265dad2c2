package interfaces

// KVBackend is the raw key/value storage under the key store.
//
// Get returns ok=false for a missing key. Keys returns every key that starts
// with prefix, in no particular order.
type KVBackend interface {
	Get(key string) (value []byte, ok bool, err error)
	Put(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}
