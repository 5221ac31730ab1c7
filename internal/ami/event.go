package ami

// Event is a single parsed manager-interface packet. The underlying map is
// never handed out, so an Event cannot be mutated after parsing.
type Event struct {
	fields map[string]string
}

// NewEvent builds an Event from a parsed key/value block. The map is copied.
func NewEvent(fields map[string]string) Event {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return Event{fields: copied}
}

// Get returns the value for key, or "" when the key is absent
func (e Event) Get(key string) string {
	return e.fields[key]
}

// Lookup returns the value for key and whether it was present
func (e Event) Lookup(key string) (string, bool) {
	v, ok := e.fields[key]
	return v, ok
}

// Name returns the packet's Event field
func (e Event) Name() string {
	return e.fields["Event"]
}

// Response returns the packet's Response field
func (e Event) Response() string {
	return e.fields["Response"]
}

// Len returns the number of key/value pairs in the packet
func (e Event) Len() int {
	return len(e.fields)
}

// Empty reports whether the packet carried no key/value pairs
func (e Event) Empty() bool {
	return len(e.fields) == 0
}
