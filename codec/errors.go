package codec

import "errors"

// ErrTruncated is returned when a varint continues past the end of the
// supplied buffer, or a frame/position count promises more data than the
// buffer holds.
var ErrTruncated = errors.New("codec: truncated stream")

// ErrOverlong is returned when a stream carries more than it promised: a
// wire message with trailing bytes after its payload, or a compressed input
// stream whose run overshoots the frame count or whose set-bit position lies
// beyond num_bits.
var ErrOverlong = errors.New("codec: overlong stream")

// ErrBadVersion is returned by the wire codec when the header's version
// byte does not match a version this build understands.
var ErrBadVersion = errors.New("codec: unsupported wire version")

// ErrBadMagic names a magic tag that does not match the session's own. The
// wire codec does not know the session's magic and never returns it;
// protocol.Peer drops mismatched datagrams without returning an error.
var ErrBadMagic = errors.New("codec: magic mismatch")

// ErrMessageTooLarge is returned by Encode when a message would exceed the
// configured MTU.
var ErrMessageTooLarge = errors.New("codec: message exceeds MTU")
