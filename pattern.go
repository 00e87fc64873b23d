package hookcave

import (
	"fmt"
	"strconv"
	"strings"
)

// Signature is a byte sequence with wildcard positions, optionally scoped to
// one module. Used to locate instruction sites whose absolute address varies
// by build and session.
type Signature struct {
	data   []int // -1 matches any byte
	module string
}

// ParseSignature parses a hex string like "DE AD ?? EF". "?" and "??" are
// wildcards.
func ParseSignature(src string) (Signature, error) {
	s := Signature{}
	for _, c := range strings.Fields(src) {
		if c == "?" || c == "??" {
			s.data = append(s.data, -1)
			continue
		}
		x, err := strconv.ParseUint(c, 16, 8)
		if err != nil {
			return Signature{}, fmt.Errorf("bad signature byte %q: %w", c, err)
		}
		s.data = append(s.data, int(x))
	}
	if len(s.data) == 0 {
		return Signature{}, fmt.Errorf("empty signature")
	}
	return s, nil
}

func MustSignature(src string) Signature {
	s, err := ParseSignature(src)
	if err != nil {
		panic(err)
	}
	return s
}

// BytesSignature builds a literal signature with no wildcards.
func BytesSignature(b []byte) Signature {
	s := Signature{data: make([]int, len(b))}
	for i, c := range b {
		s.data[i] = int(c)
	}
	return s
}

// InModule returns a copy of the signature scoped to the named module.
func (s Signature) InModule(name string) Signature {
	s.module = name
	return s
}

func (s Signature) Module() string { return s.module }

func (s Signature) Len() int { return len(s.data) }

func (s Signature) String() string {
	var b strings.Builder
	for _, c := range s.data {
		if c == -1 {
			b.WriteString("?? ")
		} else {
			fmt.Fprintf(&b, "%02X ", c)
		}
	}
	return strings.TrimSpace(b.String())
}

// Bytes returns the literal bytes of a signature with no wildcards.
func (s Signature) Bytes() ([]byte, error) {
	b := make([]byte, len(s.data))
	for i, c := range s.data {
		if c == -1 {
			return nil, fmt.Errorf("signature %s has wildcards", s)
		}
		b[i] = byte(c)
	}
	return b, nil
}

// Find returns the offset of the first match in buffer, or -1.
func (s Signature) Find(buffer []byte) int {
	for i := 0; i+len(s.data) <= len(buffer); i++ {
		if s.data[0] == -1 || int(buffer[i]) == s.data[0] {
			found := true
			for j := 1; j < len(s.data); j++ {
				if s.data[j] != -1 && int(buffer[i+j]) != s.data[j] {
					found = false
					break
				}
			}
			if found {
				return i
			}
		}
	}
	return -1
}

// FindAll returns every match offset in ascending order.
func (s Signature) FindAll(buffer []byte) []int {
	var out []int
	for off := 0; off+len(s.data) <= len(buffer); {
		i := s.Find(buffer[off:])
		if i < 0 {
			break
		}
		out = append(out, off+i)
		off += i + 1
	}
	return out
}
