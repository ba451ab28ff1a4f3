package mirror

// Op names a protocol message.
type Op string

const (
	OpSync        Op = "sync"
	OpRoot        Op = "root"
	OpInit        Op = "init"
	OpExport      Op = "export"
	OpImport      Op = "import"
	OpAssign      Op = "assign"
	OpDelete      Op = "delete"
	OpCall        Op = "call"
	OpReplace     Op = "replace"
	OpLockRequest Op = "lock:req"
	OpLockAck     Op = "lock:ack"
	OpLockUnlock  Op = "lock:unlock"
)

// Message is the envelope exchanged between nodes. Which fields are set
// depends on Op:
//
//	sync                  Hostname
//	root                  Root
//	init, import          Members, Vectors, Floors
//	export                References
//	assign                ID, Property, Value, Vector
//	delete                ID, Property, Vector
//	call                  ID, Name, Host, Parameters
//	replace               ID, Values, Vector
//	lock:req, lock:unlock ID, Host
//	lock:ack              ID, Host (the requester), Success
//
// Values are network-safe: nil, bool, float64, string, or a reference to
// a container encoded as a one-element list holding its id. Members and
// Values hold a map[string]interface{} for objects and a []interface{} for
// arrays.
type Message struct {
	Op         Op                     `json:"op"`
	Hostname   string                 `json:"hostname"`
	ID         string                 `json:"id,omitempty"`
	Property   string                 `json:"property,omitempty"`
	Value      interface{}            `json:"value,omitempty"`
	Vector     *Clock                 `json:"vector,omitempty"`
	Root       interface{}            `json:"root,omitempty"`
	Members    map[string]interface{} `json:"members,omitempty"`
	Vectors    map[string]ClockTable  `json:"vectors,omitempty"`
	Floors     map[string]Clock       `json:"floors,omitempty"`
	References []string               `json:"references,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Host       string                 `json:"host,omitempty"`
	Parameters []interface{}          `json:"parameters,omitempty"`
	Values     interface{}            `json:"values,omitempty"`
	Success    bool                   `json:"success,omitempty"`
}

// Ref encodes a reference to the container with the given id.
func Ref(id string) []interface{} {
	return []interface{}{id}
}

// RefID decodes a reference produced by Ref.
func RefID(v interface{}) (string, bool) {
	switch r := v.(type) {
	case []interface{}:
		if len(r) == 1 {
			id, ok := r[0].(string)
			return id, ok
		}
	case []string:
		if len(r) == 1 {
			return r[0], true
		}
	}
	return "", false
}
