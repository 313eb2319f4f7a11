package main

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// indenter is an io.Writer that prefixes every line written to w
// with the current indentation.
type indenter struct {
	w       io.Writer
	prefix  string
	midLine bool
}

func (i *indenter) v(v any) {
	fmt.Fprintf(i, "%v\n", v)
}

func (i *indenter) f(msg string, args ...any) {
	fmt.Fprintf(i, msg+"\n", args...)
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

func (i *indenter) Write(bs []byte) (int, error) {
	written := 0
	for len(bs) > 0 {
		if !i.midLine {
			if _, err := io.WriteString(i.w, i.prefix); err != nil {
				return written, err
			}
			i.midLine = true
		}
		line := bs
		if idx := bytes.IndexByte(bs, '\n'); idx >= 0 {
			line = bs[:idx+1]
			i.midLine = false
		}
		bs = bs[len(line):]

		n, err := i.w.Write(line)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func growTo(s []string, n int) []string {
	for len(s) < n {
		s = append(s, "")
	}
	return s
}
