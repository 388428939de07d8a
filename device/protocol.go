package device

// Wire-protocol limits, grounded on the original implementation's
// buffer sizes (ctrl_dev.c DAZUKOFS_MAX_WRITE_BUFFER, group_dev.c
// DAZUKOFS_MIN_READ_BUFFER / DAZUKOFS_MAX_WRITE_BUFFER) and spec §6's
// restatement of them.
const (
	// CtrlMaxCommandBytes is the largest ctrl-device write command spec
	// §6 allows ("at most 31 bytes"). A write of 32 or more bytes is
	// rejected as INVALID (spec §8's boundary property).
	CtrlMaxCommandBytes = 31

	// GroupMinReadBuffer is the smallest buffer a group-device read may
	// request; smaller is rejected as INVALID.
	GroupMinReadBuffer = 43

	// GroupMaxVerdictBytes bounds a group-device write posting a
	// verdict; the original's DAZUKOFS_MAX_WRITE_BUFFER is 19 including
	// the implicit NUL, so 18 usable bytes.
	GroupMaxVerdictBytes = 18
)
