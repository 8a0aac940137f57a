package bluetooth

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Pager text protocol: one UTF-8 line per command, newline terminated.
const (
	CmdSend    = "SEND"
	CmdMetrics = "metrics"
	CmdStatus  = "status"
	CmdReport  = "report"
	CmdTxPower = "txpower"

	ellipsis = "..."
)

// QueryCommands are the shortcut commands that only read pager state.
var QueryCommands = []string{CmdMetrics, CmdStatus, CmdReport}

// SupportedTxPowers lists the transmit power levels in dBm the pager accepts.
var SupportedTxPowers = []int{-24, -21, -18, -15, -12, -9, -6, -3, 0, 3, 6, 9, 12, 15, 18, 20}

var ErrEmptyCommand = errors.New("command is empty")

// NormalizeCommand trims the command and guarantees exactly one trailing
// newline.
func NormalizeCommand(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", ErrEmptyCommand
	}
	return trimmed + "\n", nil
}

// NormalizePayload strips trailing carriage returns and newlines from text
// and terminates it with a single newline. Leading text is left untouched.
func NormalizePayload(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCommand
	}
	return strings.TrimRight(text, "\r\n") + "\n", nil
}

// FormatOutbound builds the SEND line for a forwarded message. Newlines in
// the body are flattened and the line, newline included, is bounded to
// MaxOutboundChars.
func FormatOutbound(sender, body string) string {
	sender = strings.TrimSpace(sender)
	body = strings.TrimSpace(body)
	body = strings.ReplaceAll(body, "\r\n", " ")
	body = strings.ReplaceAll(body, "\n", " ")
	body = strings.ReplaceAll(body, "\r", " ")

	line := fmt.Sprintf("%s %s: %s", CmdSend, sender, body)
	return truncate(line, MaxOutboundChars-1) + "\n"
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-len(ellipsis)]) + ellipsis
}

// TxPowerCommand returns the command setting the pager transmit power.
func TxPowerCommand(dbm int) (string, error) {
	if !ValidTxPower(dbm) {
		return "", errors.Errorf("unsupported tx power %d dBm", dbm)
	}
	return fmt.Sprintf("%s %d", CmdTxPower, dbm), nil
}

func ValidTxPower(dbm int) bool {
	for _, p := range SupportedTxPowers {
		if p == dbm {
			return true
		}
	}
	return false
}

// ResultTag classifies an outcome from the pager's status reply.
type ResultTag string

const (
	TagSent         ResultTag = "sent"
	TagBusy         ResultTag = "busy"
	TagRejected     ResultTag = "rejected"
	TagAcknowledged ResultTag = "acknowledged"
	TagFailed       ResultTag = "failed"
)

// ClassifyOutcome maps an outcome to a result tag. Only TagSent counts as a
// delivered message.
func ClassifyOutcome(o Outcome) ResultTag {
	if !o.Succeeded {
		return TagFailed
	}
	reply := strings.ToLower(o.StatusReply)
	switch {
	case strings.Contains(reply, "send queued"):
		return TagSent
	case strings.Contains(reply, "busy"):
		return TagBusy
	case strings.HasPrefix(reply, "err"):
		return TagRejected
	default:
		return TagAcknowledged
	}
}
