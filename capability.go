package cloudvfs

import "strings"

// Capability is a set of operation groups a driver supports.
type Capability uint8

const (
	// CapReader covers listing, stat and existence checks.
	CapReader Capability = 1 << iota
	// CapWriter covers uploads, directory creation and removal.
	CapWriter
	// CapPresigned covers signed URL generation and cross-account copy plans.
	CapPresigned
	// CapMultipart covers the multipart upload lifecycle.
	CapMultipart
	// CapAtomic covers server-side copy and rename.
	CapAtomic
	// CapProxy covers streaming object content through the gateway.
	CapProxy
)

// CapAll is every capability a driver can declare.
const CapAll = CapReader | CapWriter | CapPresigned | CapMultipart | CapAtomic | CapProxy

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapReader, "reader"},
	{CapWriter, "writer"},
	{CapPresigned, "presigned"},
	{CapMultipart, "multipart"},
	{CapAtomic, "atomic"},
	{CapProxy, "proxy"},
}

// Has reports whether every capability in want is present in c.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// String returns the capability names joined with "|".
func (c Capability) String() string {
	var names []string
	for _, cn := range capabilityNames {
		if c.Has(cn.c) {
			names = append(names, cn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// requireCapability fails with ErrNotImplemented when d lacks want.
func requireCapability(d Driver, op, path string, want Capability) error {
	if d.HasCapability(want) {
		return nil
	}
	missing := want &^ d.Capabilities()
	return &PathError{
		Op:   op,
		Path: path,
		Err:  newNotImplemented(d.Type(), missing),
	}
}

func newNotImplemented(driverType string, missing Capability) error {
	return &capabilityError{driver: driverType, missing: missing}
}

type capabilityError struct {
	driver  string
	missing Capability
}

func (e *capabilityError) Error() string {
	return "driver " + e.driver + " lacks capability " + e.missing.String()
}

func (e *capabilityError) Unwrap() error { return ErrNotImplemented }
