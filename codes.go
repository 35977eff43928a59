package livefeed

// Text message type codes. A text frame is the two-digit zero-padded code
// followed directly by an optional JSON payload, no delimiter.
const (
	TextError       = 0  // {error: string}, connection-local
	TextInsertPost  = 1  // C→S allocate; S→C feed announcement
	TextClosePost   = 5  // C→S finalize; S→C close announcement
	TextInsertImage = 6  // unimplemented, rejected
	TextSynchronise = 30 // C→S subscribe; S→C snapshot reply
	TextReclaim     = 31 // C→S resume an open post after disconnect
	TextPostID      = 32 // S→C assigned post id
	TextConcat      = 33 // S→C JSON array of batched raw messages
	TextNOOP        = 34 // keepalive, no reply
	TextSyncCount   = 35 // S→C subscriber / unique-address counts
	TextServerTime  = 36 // S→C unix time for clock-drift calculation
	TextRedirect    = 37 // S→C reserved
	TextCaptcha     = 38 // S→C verification required
	TextConfigs     = 39 // S→C body/line/lifetime limits
)

// Binary message types, carried as the last byte of a binary frame.
const (
	BinaryAppend    = 0x02
	BinaryBackspace = 0x03
	BinarySplice    = 0x04
)

// Subprotocol echoed back when the client requests it during the handshake.
const Subprotocol = "ashchan-v1"

// Standard error messages sent in TextError frames.
const (
	ErrNotSynced        = "must synchronise to a thread first"
	ErrAlreadyOpen      = "already have an open post, close it first"
	ErrNoOpenPost       = "no open post to close"
	ErrBodyLimit        = "post body limit reached"
	ErrBodyEmpty        = "post body is empty"
	ErrImageUnsupported = "image attachment is not yet available"
	ErrCaptchaRequired  = "verification required before posting"
)
