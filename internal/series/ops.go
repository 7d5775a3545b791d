package series

import (
	"fmt"

	"github.com/dukerupert/meetnotes/internal/model"
)

type OpKind int

const (
	OpInsert OpKind = iota + 1
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Op is one primitive write against the event store. A resolved mutation
// is a list of them that must be committed together.
type Op struct {
	Kind  OpKind
	ID    string
	Event model.Event // full row for insert/update; zero for delete
}

func InsertEvent(e model.Event) Op {
	return Op{Kind: OpInsert, ID: e.ID, Event: e}
}

func UpdateEvent(id string, e model.Event) Op {
	e.ID = id
	return Op{Kind: OpUpdate, ID: id, Event: e}
}

func DeleteEvent(id string) Op {
	return Op{Kind: OpDelete, ID: id}
}

func (o Op) String() string {
	return fmt.Sprintf("%s %s", o.Kind, o.ID)
}
