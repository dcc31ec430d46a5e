package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
)

func Logger(w io.Writer, lvl slog.Level) log.Logger {
	return log.NewLogger(log.LogfmtHandlerWithLevel(w, lvl))
}

// LoggingWriter exposes a logger as an io.Writer, so the guest program's
// output streams can be mounted on it. Printable chunks are logged as text,
// anything with control or non-ascii bytes is logged hex-encoded.
type LoggingWriter struct {
	Log log.Logger
}

func logAsText(b string) bool {
	return !strings.ContainsFunc(b, func(r rune) bool {
		return (r < 0x20 || r >= 0x7F) && r != '\n' && r != '\t'
	})
}

func (lw *LoggingWriter) Write(b []byte) (int, error) {
	t := string(b)
	if logAsText(t) {
		lw.Log.Info("", "text", t)
	} else {
		lw.Log.Info("", "data", hexutil.Bytes(b))
	}
	return len(b), nil
}

// HexU32 to lazy-format integer attributes for logging
type HexU32 uint32

func (v HexU32) String() string {
	return fmt.Sprintf("%08x", uint32(v))
}

func (v HexU32) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}
