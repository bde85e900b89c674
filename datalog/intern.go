package datalog

import (
	"sync"
)

// AttributeIntern deduplicates attribute names so that every fact, pattern
// and arrangement descriptor naming the same attribute shares one string.
// Uses sync.Map for lock-free concurrent reads
type AttributeIntern struct {
	cache sync.Map // map[string]Attribute
}

// Global attribute intern instance
var attributeIntern = &AttributeIntern{}

// InternAttribute returns the canonical attribute for a name
func InternAttribute(name string) Attribute {
	// Fast path: load existing (lock-free)
	if val, ok := attributeIntern.cache.Load(name); ok {
		return val.(Attribute)
	}

	// Slow path: copy the name so callers' buffers are not retained
	attr := Attribute(string([]byte(name)))
	actual, _ := attributeIntern.cache.LoadOrStore(string(attr), attr)
	return actual.(Attribute)
}

// ClearInterns resets the intern cache.
// Useful for testing or when memory needs to be reclaimed
func ClearInterns() {
	attributeIntern = &AttributeIntern{}
}
