package match

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carlosbensant/payload-sync/pkg/model"
	"github.com/carlosbensant/payload-sync/pkg/protocol"
)

var openOnly = model.Where{"status": map[string]interface{}{"equals": "open"}}

func TestClassify_Create(t *testing.T) {
	in := model.Document{"id": "1", "status": "open"}
	out := model.Document{"id": "2", "status": "done"}

	ct, payload := Classify(nil, in, openOnly, OpCreate)
	assert.Equal(t, protocol.ChangeInsert, ct)
	assert.Equal(t, in, payload)

	ct, _ = Classify(nil, out, openOnly, OpCreate)
	assert.Equal(t, protocol.ChangeNone, ct)
}

func TestClassify_UpdateTable(t *testing.T) {
	in := model.Document{"id": "1", "status": "open"}
	out := model.Document{"id": "1", "status": "done"}

	cases := []struct {
		name          string
		before, after model.Document
		want          protocol.ChangeType
		wantPayload   model.Document
	}{
		{"stays in scope", in, model.Document{"id": "1", "status": "open", "title": "x"}, protocol.ChangeUpdate, model.Document{"id": "1", "status": "open", "title": "x"}},
		{"moves into scope", out, in, protocol.ChangeUpsert, in},
		{"moves out of scope", in, out, protocol.ChangeDelete, in},
		{"never in scope", out, out, protocol.ChangeNone, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ct, payload := Classify(tc.before, tc.after, openOnly, OpUpdate)
			assert.Equal(t, tc.want, ct)
			assert.Equal(t, tc.wantPayload, payload)
		})
	}
}

func TestClassify_UpdateWithoutBefore(t *testing.T) {
	in := model.Document{"id": "1", "status": "open"}

	// No before image: an in-scope after is an upsert, not an update.
	ct, _ := Classify(nil, in, openOnly, OpUpdate)
	assert.Equal(t, protocol.ChangeUpsert, ct)
}

func TestClassify_Delete(t *testing.T) {
	in := model.Document{"id": "1", "status": "open"}
	out := model.Document{"id": "2", "status": "done"}

	ct, payload := Classify(in, nil, openOnly, OpDelete)
	assert.Equal(t, protocol.ChangeDelete, ct)
	assert.Equal(t, in, payload)

	ct, _ = Classify(out, nil, openOnly, OpDelete)
	assert.Equal(t, protocol.ChangeNone, ct)

	ct, _ = Classify(nil, nil, openOnly, OpDelete)
	assert.Equal(t, protocol.ChangeNone, ct)
}

// A task reassigned from project P1 to P2 must leave the P1 view as a
// delete carrying the pre-update document.
func TestClassify_ProjectMoveScenario(t *testing.T) {
	where := model.Where{"project": map[string]interface{}{"equals": "P1"}}
	before := model.Document{"id": "t1", "project": "P1", "createdAt": "2026-01-01T00:00:00Z"}
	after := model.Document{"id": "t1", "project": "P2", "createdAt": "2026-01-01T00:00:00Z"}

	ct, payload := Classify(before, after, where, OpUpdate)
	assert.Equal(t, protocol.ChangeDelete, ct)
	assert.Equal(t, before, payload)
}
