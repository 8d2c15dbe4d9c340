package device

import "fmt"

// Handle identifies a discovered peripheral. It is immutable once selected and
// handed to the connection layer by value.
type Handle struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Name    string `json:"name"`
	RSSI    int    `json:"rssi"`
}

// NewHandle builds a Handle for an address; the ID defaults to the address.
func NewHandle(address, name string) Handle {
	return Handle{ID: address, Address: address, Name: name}
}

// IsZero reports whether no peripheral has been selected.
func (h Handle) IsZero() bool {
	return h.Address == ""
}

func (h Handle) String() string {
	if h.Name == "" {
		return h.Address
	}
	return fmt.Sprintf("%s (%s)", h.Name, h.Address)
}
