package crablog

import (
	"io"
	"os"
	"reflect"
)

// GetPointer does the same thing as fmt.Sprintf("%p", value) but fast.
// Used to tag log lines with a stable per-object id.
func GetPointer(value any) uint {
	ptr := reflect.ValueOf(value).Pointer()
	return uint(uintptr(ptr))
}

func newWriter(filepath string) (*os.File, io.Writer, error) {
	if filepath == "" {
		return nil, os.Stdout, nil
	}
	f, err := os.OpenFile(filepath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}
