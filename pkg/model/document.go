package model

// Document is a user-facing document, represented as a flat JSON object.
//
//	"id" field is reserved for the document ID.
type Document map[string]interface{}

// ID returns the document's identifier, or "" if absent or non-string.
func (d Document) ID() string {
	if d == nil {
		return ""
	}
	id, _ := d["id"].(string)
	return id
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// RefID extracts the identifier from a value that is either a plain id
// string or a populated relationship object carrying an "id" field.
func RefID(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, val != ""
	case map[string]interface{}:
		id, ok := val["id"].(string)
		return id, ok && id != ""
	case Document:
		id := val.ID()
		return id, id != ""
	}
	return "", false
}
