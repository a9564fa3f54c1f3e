package gateway

import (
	"fmt"
	"strconv"
	"strings"
)

// Register addressing limits for the Modbus console.
const (
	MinRegisterValue = -32768
	MaxRegisterValue = 65535
	MaxRegister      = 65535
)

// ParseRegisterValue parses operator input for a register address or value.
// Decimal, 0b-prefixed binary and 0x-prefixed hex are accepted. A leading zero
// is decimal, not octal: "010" is 10.
func ParseRegisterValue(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty register value")
	}

	neg := false
	digits := s
	if digits[0] == '-' || digits[0] == '+' {
		neg = digits[0] == '-'
		digits = digits[1:]
	}

	base := 10
	lower := strings.ToLower(digits)
	switch {
	case strings.HasPrefix(lower, "0b"):
		base, digits = 2, digits[2:]
	case strings.HasPrefix(lower, "0x"):
		base, digits = 16, digits[2:]
	}
	if digits == "" || strings.ContainsAny(digits, "+-_") {
		return 0, fmt.Errorf("invalid register value %q", s)
	}

	n, err := strconv.ParseInt(digits, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid register value %q", s)
	}
	if neg {
		n = -n
	}
	if n < MinRegisterValue || n > MaxRegisterValue {
		return 0, fmt.Errorf("register value %q out of range %d..%d", s, MinRegisterValue, MaxRegisterValue)
	}
	return int(n), nil
}

// RegisterBlock is a contiguous range of registers polled for display.
type RegisterBlock struct {
	UnitID   int `json:"unitId"`
	Register int `json:"register"`
	Range    int `json:"range"`
}

// Contains reports whether register on unitID falls inside the block.
func (b RegisterBlock) Contains(unitID, register int) bool {
	return unitID == b.UnitID && register >= b.Register && register < b.Register+b.Range
}

// ParseRegisterBlocks parses "unit:register:range" entries separated by
// commas, e.g. "1:1000:10,5:9:9".
func ParseRegisterBlocks(s string) ([]RegisterBlock, error) {
	var blocks []RegisterBlock
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("register block %q: want unit:register:range", part)
		}
		var nums [3]int
		for i, f := range fields {
			n, err := ParseRegisterValue(f)
			if err != nil {
				return nil, fmt.Errorf("register block %q: %w", part, err)
			}
			nums[i] = n
		}
		b := RegisterBlock{UnitID: nums[0], Register: nums[1], Range: nums[2]}
		if b.UnitID < 0 || b.UnitID > 247 {
			return nil, fmt.Errorf("register block %q: unit id outside 0..247", part)
		}
		if b.Register < 0 || b.Register > MaxRegister {
			return nil, fmt.Errorf("register block %q: register outside 0..%d", part, MaxRegister)
		}
		if b.Range < 1 || b.Range > MaxRegisterRange {
			return nil, fmt.Errorf("register block %q: range outside 1..%d", part, MaxRegisterRange)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}
