package contracts

// ReplyTypeException is the AMQP type property of exception replies.
const ReplyTypeException = "exception"

// HeaderReplyExceptions opts a request into exception replies.
const HeaderReplyExceptions = "x-rpc-reply-exceptions"

// ExceptionReply is sent back to an RPC caller instead of results when a
// handler fails and the request opted into exception replies.
type ExceptionReply struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}
