package bootp

import "errors"

var (
	// ErrShortFrame is returned when a buffer cannot hold the 240-byte fixed
	// BOOTP header plus magic cookie.
	ErrShortFrame = errors.New("bootp: frame size <240")
	// ErrBadOption is returned when an option's length field points past the
	// end of the frame.
	ErrBadOption = errors.New("bootp: opt length exceeds payload")
	// ErrNoOptions is returned when a frame carries no option bytes at all.
	ErrNoOptions = errors.New("bootp: no options")
	// ErrOptionsDontFit is returned when the caller's buffer is too short for
	// the options being encoded.
	ErrOptionsDontFit = errors.New("bootp: options dont fit")
	// ErrBadMagicCookie is returned when the 0x63825363 cookie preceding the
	// options is missing or corrupted.
	ErrBadMagicCookie = errors.New("bootp: bad magic cookie")
	// ErrBadHardwareLen is returned when hlen exceeds the 16-byte chaddr field.
	ErrBadHardwareLen = errors.New("bootp: hardware length >16")
)
