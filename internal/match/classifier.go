package match

import (
	"github.com/carlosbensant/payload-sync/pkg/model"
	"github.com/carlosbensant/payload-sync/pkg/protocol"
)

// Operation is the kind of mutation applied to the store.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Classify decides the delta type a mutation produces for one query's
// filter, and the document payload to ship with it.
//
// The update case is the precision guarantee of the whole system: a
// document edited out of a filtered view yields delete (carrying the
// pre-update document so clients can remove it by identity), not update.
func Classify(before, after model.Document, where model.Where, op Operation) (protocol.ChangeType, model.Document) {
	switch op {
	case OpCreate:
		if Matches(after, where) {
			return protocol.ChangeInsert, after
		}
		return protocol.ChangeNone, nil

	case OpUpdate:
		wasIn := before != nil && Matches(before, where)
		isIn := Matches(after, where)
		switch {
		case isIn && wasIn:
			return protocol.ChangeUpdate, after
		case isIn && !wasIn:
			// Document moved into scope.
			return protocol.ChangeUpsert, after
		case !isIn && wasIn:
			return protocol.ChangeDelete, before
		default:
			return protocol.ChangeNone, nil
		}

	case OpDelete:
		if before != nil && Matches(before, where) {
			return protocol.ChangeDelete, before
		}
		return protocol.ChangeNone, nil
	}

	return protocol.ChangeNone, nil
}
