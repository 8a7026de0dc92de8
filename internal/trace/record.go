package trace

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/supabase/opensnoop/internal/rules"
)

// FailedFD is the descriptor reported for a failed open.
const FailedFD = -1

// OpenRecord is one reconstructed open attempt.
type OpenRecord struct {
	Time string
	Comm string
	PID  int
	FD   int
	Path string
}

func (r OpenRecord) Failed() bool {
	return r.FD == FailedFD
}

// DecodeFD turns a syscall exit return token into a descriptor. Tokens are
// hexadecimal, with or without the 0x prefix.
func DecodeFD(token string, r *rules.Rules) (int, error) {
	if r.IsFailure(token) {
		return FailedFD, nil
	}
	digits := strings.TrimPrefix(strings.TrimPrefix(token, "0x"), "0X")
	fd, err := strconv.ParseInt(digits, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid return value %q: %w", token, err)
	}
	return int(fd), nil
}
