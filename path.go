package dbus

import (
	"errors"
	"fmt"
	"strings"
)

// ObjectPath is the name of an object exported on a bus.
type ObjectPath string

// Valid checks that p is a well-formed object path.
func (p ObjectPath) Valid() error {
	s := string(p)
	if s == "" {
		return errors.New("empty object path")
	}
	if s[0] != '/' {
		return fmt.Errorf("object path %q does not start with /", s)
	}
	if s == "/" {
		return nil
	}
	if strings.HasSuffix(s, "/") {
		return fmt.Errorf("object path %q has a trailing /", s)
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return fmt.Errorf("object path %q has an empty element", s)
		}
		for _, c := range elem {
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
				return fmt.Errorf("object path %q contains invalid character %q", s, c)
			}
		}
	}
	return nil
}
