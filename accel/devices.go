package accel

import "fmt"

// Device identifies a physical accelerator. It is immutable.
type Device struct {
	id   int
	name string
}

// ID returns the device ordinal used by the driver.
func (d *Device) ID() int {
	return d.id
}

// Name of the device as reported by the driver. It may be empty.
func (d *Device) Name() string {
	return d.name
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	if d.name == "" {
		return fmt.Sprintf("Device(%d)", d.id)
	}
	return fmt.Sprintf("Device(%d, %q)", d.id, d.name)
}
