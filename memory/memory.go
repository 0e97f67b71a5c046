// Package memory defines the basic interfaces for working with
// the frame storage inside a pixel pipeline model. Line buffers and
// full frame stores differ in size and addressing so the model only
// relies on this interface.
package memory

import (
	"fmt"
	"math/rand"
)

type Bank interface {
	// Read returns the data byte stored at addr.
	Read(addr int) uint8
	// Write updates addr with the new value.
	Write(addr int, val uint8)
	// PowerOn performs power on reset of the memory. This is implementation specific as to
	// whether it's randomized or preset to all zeros.
	PowerOn()
	// Size returns the number of addressable bytes.
	Size() int
}

// RAM is a flat byte addressed Bank. Addresses wrap at the size.
type RAM struct {
	data []uint8
}

var _ = Bank(&RAM{})

// NewRAM returns a powered on RAM of the given size.
func NewRAM(size int) (*RAM, error) {
	if size < 1 {
		return nil, fmt.Errorf("invalid RAM size %d", size)
	}
	r := &RAM{data: make([]uint8, size)}
	r.PowerOn()
	return r, nil
}

// Read implements the interface for memory.Bank.
func (r *RAM) Read(addr int) uint8 {
	return r.data[addr%len(r.data)]
}

// Write implements the interface for memory.Bank.
func (r *RAM) Write(addr int, val uint8) {
	r.data[addr%len(r.data)] = val
}

// PowerOn implements the interface for memory.Bank. Real SRAM comes up
// with garbage so randomize it to keep users from assuming zeros.
func (r *RAM) PowerOn() {
	rand.Read(r.data)
}

// Size implements the interface for memory.Bank.
func (r *RAM) Size() int {
	return len(r.data)
}
