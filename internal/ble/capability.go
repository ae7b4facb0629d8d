package ble

import "strings"

// Capability is the set of operations a characteristic supports.
type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapNotify
)

// CapAll is every capability a Channel can carry.
const CapAll = CapRead | CapWrite | CapNotify

// Has reports whether every capability in o is present in c.
func (c Capability) Has(o Capability) bool { return c&o == o && o != 0 }

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	if c&CapRead != 0 {
		parts = append(parts, "read")
	}
	if c&CapWrite != 0 {
		parts = append(parts, "write")
	}
	if c&CapNotify != 0 {
		parts = append(parts, "notify")
	}
	return strings.Join(parts, "|")
}

// ParseCapabilities maps stack property names (BlueZ flags, or the
// "Read"/"Write"/"Notify" names used by mobile stacks) to a Capability.
// Unknown names are ignored.
func ParseCapabilities(flags []string) Capability {
	var c Capability
	for _, f := range flags {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "read":
			c |= CapRead
		case "write", "write-without-response", "writewithoutresponse":
			c |= CapWrite
		case "notify", "indicate":
			c |= CapNotify
		}
	}
	return c
}

// Bluetooth base UUID suffix shared by every 16-bit assigned id.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeID lower-cases a service or characteristic id and shortens a
// 128-bit UUID built on the Bluetooth base UUID to its 4-hex-digit form, so
// "0100" and "00000100-0000-1000-8000-00805F9B34FB" compare equal.
func NormalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if len(id) == 36 && strings.HasPrefix(id, "0000") && strings.HasSuffix(id, baseUUIDSuffix) {
		return id[4:8]
	}
	return id
}
