package mq

import "errors"

// ResultCode is the library-level numeric outcome,
// exposed for callers that need a C-style return code alongside the
// idiomatic Go error returned by the public API.
type ResultCode int

const (
	ResultCodeSuccess             ResultCode = 0
	ResultCodeFailure             ResultCode = -1
	ResultCodePersistenceError    ResultCode = -2
	ResultCodeDisconnected        ResultCode = -3
	ResultCodeMaxMessagesInflight ResultCode = -4
	ResultCodeBadUTF8String       ResultCode = -5
	ResultCodeNullParameter       ResultCode = -6
	ResultCodeTopicnameTruncated  ResultCode = -7
	ResultCodeBadStructure        ResultCode = -8
)

func (r ResultCode) String() string {
	switch r {
	case ResultCodeSuccess:
		return "SUCCESS"
	case ResultCodeFailure:
		return "FAILURE"
	case ResultCodePersistenceError:
		return "PERSISTENCE_ERROR"
	case ResultCodeDisconnected:
		return "DISCONNECTED"
	case ResultCodeMaxMessagesInflight:
		return "MAX_MESSAGES_INFLIGHT"
	case ResultCodeBadUTF8String:
		return "BAD_UTF8_STRING"
	case ResultCodeNullParameter:
		return "NULL_PARAMETER"
	case ResultCodeTopicnameTruncated:
		return "TOPICNAME_TRUNCATED"
	case ResultCodeBadStructure:
		return "BAD_STRUCTURE"
	default:
		return "UNKNOWN"
	}
}

// resultCoder is implemented by errors that carry an explicit ResultCode.
type resultCoder interface {
	ResultCode() ResultCode
}

// AsResultCode maps err to the library-level code a C-style caller would
// expect. A nil error maps to ResultCodeSuccess; an error with no opinion
// maps to the generic ResultCodeFailure.
func AsResultCode(err error) ResultCode {
	if err == nil {
		return ResultCodeSuccess
	}
	var rc resultCoder
	if errors.As(err, &rc) {
		return rc.ResultCode()
	}
	switch {
	case errors.Is(err, ErrClientDisconnected):
		return ResultCodeDisconnected
	case errors.Is(err, errMaxMessagesInflight):
		return ResultCodeMaxMessagesInflight
	case errors.Is(err, errPersistence):
		return ResultCodePersistenceError
	default:
		return ResultCodeFailure
	}
}

var (
	errMaxMessagesInflight = errors.New("mq: maximum in-flight messages reached")
	errPersistence         = errors.New("mq: persistence operation failed")
	errNoPacketIDs         = errors.New("mq: no packet identifiers available")
	// ErrProtocolViolation is returned when the broker violates an MQTT
	// protocol invariant the client cannot recover from locally, such as a
	// SUBACK whose return-code count does not match the SUBSCRIBE request.
	ErrProtocolViolation = errors.New("mq: protocol violation")
)
