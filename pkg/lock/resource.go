package lock

import "strings"

// nameSep separates path segments inside a ResourceName. Segment names must
// not contain it.
const nameSep = "/"

// ResourceName identifies a lockable resource as a path in the granularity
// hierarchy, e.g. database/orders/page3. The Manager treats names as opaque
// comparable values; only the Context tree interprets their structure.
type ResourceName struct {
	path string
}

// NewResourceName creates a top-level resource name.
func NewResourceName(name string) ResourceName {
	return ResourceName{path: name}
}

// Child returns the name of this resource's child with the given local name.
func (n ResourceName) Child(name string) ResourceName {
	return ResourceName{path: n.path + nameSep + name}
}

// IsDescendantOf reports whether n lies strictly below other in the hierarchy.
func (n ResourceName) IsDescendantOf(other ResourceName) bool {
	return strings.HasPrefix(n.path, other.path+nameSep)
}

// Segments returns the path segments from the root down to this resource.
func (n ResourceName) Segments() []string {
	return strings.Split(n.path, nameSep)
}

func (n ResourceName) String() string {
	return n.path
}
