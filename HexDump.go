package hookcave

import (
	"fmt"
	"strings"
)

// HexDumpString renders a hexdump, 16 bytes per line, with ascii chars on
// the right. ea is the address of the first byte.
func HexDumpString(buffer []byte, ea uintptr) string {
	var b strings.Builder
	for i := 0; i < len(buffer); i += 16 {
		fmt.Fprintf(&b, "%19X:", uintptr(i)+ea)
		for j := 0; j < 16; j++ {
			if j == 8 {
				b.WriteByte(' ')
			}
			if i+j < len(buffer) {
				fmt.Fprintf(&b, " %02x", buffer[i+j])
			} else {
				b.WriteString("   ")
			}
		}

		b.WriteString("     |")

		for j := 0; j < 16; j++ {
			if i+j < len(buffer) && buffer[i+j] >= 32 && buffer[i+j] <= 126 {
				b.WriteByte(buffer[i+j])
			} else {
				b.WriteByte(' ')
			}
		}

		b.WriteString("|\n")
	}
	return b.String()
}
