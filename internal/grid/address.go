package grid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Address is a parsed cell coordinate. Col and Row are zero-based; the
// textual form is column letters followed by a 1-based row number ("A1",
// "AB12").
type Address struct {
	Col int
	Row int
}

var addressPattern = regexp.MustCompile(`^([A-Z]+)([1-9][0-9]*)$`)

// ParseAddress parses a textual coordinate. Letters map bijectively to
// column indexes: A=0 .. Z=25, AA=26, AB=27, ...
func ParseAddress(ref string) (Address, error) {
	match := addressPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(ref)))
	if match == nil {
		return Address{}, fmt.Errorf("invalid cell address %q", ref)
	}
	col := 0
	for _, r := range match[1] {
		col = col*26 + int(r-'A') + 1
	}
	row, err := strconv.Atoi(match[2])
	if err != nil {
		return Address{}, fmt.Errorf("invalid cell address %q", ref)
	}
	return Address{Col: col - 1, Row: row - 1}, nil
}

func (a Address) String() string {
	return ColumnLabel(a.Col) + strconv.Itoa(a.Row+1)
}

// ColumnLabel converts a zero-based column index to its letter form.
func ColumnLabel(col int) string {
	if col < 0 {
		return ""
	}
	var b []byte
	n := col + 1
	for n > 0 {
		n--
		b = append([]byte{byte('A' + n%26)}, b...)
		n /= 26
	}
	return string(b)
}

// ValidAddress reports whether ref parses as a cell coordinate.
func ValidAddress(ref string) bool {
	_, err := ParseAddress(ref)
	return err == nil
}
