package socks5

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"onionsocks/internal/domain"
)

// ReplyError is a non-success reply received from the far side.
type ReplyError struct {
	Code byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5 reply: %s", ReplyText(e.Code))
}

func ReplyText(code byte) string {
	switch code {
	case RepSuccess:
		return "succeeded"
	case RepGeneralFailure:
		return "general failure"
	case RepNotAllowed:
		return "connection not allowed"
	case RepNetworkUnreachable:
		return "network unreachable"
	case RepHostUnreachable:
		return "host unreachable"
	case RepConnectionRefused:
		return "connection refused"
	case RepTTLExpired:
		return "TTL expired"
	case RepCommandNotSupported:
		return "command not supported"
	case RepAddressNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("reply 0x%02x", code)
	}
}

// ReplyCode picks the reply sent upstream for a failed request.
func ReplyCode(err error) byte {
	var re *ReplyError
	switch {
	case err == nil:
		return RepSuccess
	case errors.As(err, &re):
		return re.Code
	case errors.Is(err, ErrUnsupportedCommand):
		return RepCommandNotSupported
	case errors.Is(err, ErrAddressType):
		return RepAddressNotSupported
	case errors.Is(err, unix.ECONNREFUSED):
		return RepConnectionRefused
	case errors.Is(err, unix.EHOSTUNREACH), errors.Is(err, unix.ETIMEDOUT), errors.Is(err, domain.ErrUnresolvable):
		return RepHostUnreachable
	case errors.Is(err, unix.ENETUNREACH):
		return RepNetworkUnreachable
	case domain.KindOf(err) == domain.KindDirectory:
		return RepConnectionRefused
	default:
		return RepGeneralFailure
	}
}

// FailureReply encodes a reply with code and a zero bound address.
func FailureReply(code byte) []byte {
	return Response{Reply: code}.Append(nil)
}
