package testutil

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// Caller is the source location of an entry in a table of test steps, used to prefix
// failures so that they point at the step rather than at the loop running it.
type Caller struct {
	File string
	Line int
}

func (c Caller) String() string {
	if c.Line == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d: ", filepath.Base(c.File), c.Line)
}

// Here returns the location two frames up: test tables call it through a local helper.
func Here() Caller {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return Caller{}
	}
	return Caller{File: file, Line: line}
}
