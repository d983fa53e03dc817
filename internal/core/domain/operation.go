package domain

// OpKind is the kind of a store call issued inside a transaction.
type OpKind string

const (
	OpBegin    OpKind = "begin"
	OpGet      OpKind = "get"
	OpPut      OpKind = "put"
	OpUpdate   OpKind = "update"
	OpDelete   OpKind = "delete"
	OpCommit   OpKind = "commit"
	OpRollback OpKind = "rollback"
)

// IsRead reports whether the operation only reads. Reads are the only calls
// that may be resent in place.
func (k OpKind) IsRead() bool {
	return k == OpGet
}

// Operation is one logical call against the store.
type Operation struct {
	Kind   OpKind
	Key    Key
	Entity *Entity // payload for put and update
}
