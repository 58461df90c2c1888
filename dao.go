package lsmkv

// DAO is the key-value contract shared by the LSM store and the in-memory
// reference map. Get returns ErrKeyNotFound for an absent or deleted key.
type DAO interface {
	Upsert(key, payload []byte) error
	Remove(key []byte) error
	Get(key []byte) ([]byte, error)
	Scan(from []byte, fn func(key, value []byte) bool) error
	Close() error
}

var _ DAO = (*Store)(nil)
