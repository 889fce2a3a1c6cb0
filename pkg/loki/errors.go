package loki

import "errors"

var (
	// ErrNotOpened is returned when a lifecycle call arrives before Open.
	ErrNotOpened = errors.New("writer is not open")

	// Header validation errors.
	ErrMissingPageSize      = errors.New("missing page size")
	ErrInvalidPageSize      = errors.New("invalid page size")
	ErrBoardNameTooLong     = errors.New("board name too long")
	ErrKernelCmdlineTooLong = errors.New("kernel cmdline too long")

	// ErrAbootImageTooLarge is returned when the buffered aboot carrier
	// would grow past MaxAbootSize. No partial bytes are retained.
	ErrAbootImageTooLarge = errors.New("aboot image too large")

	// ErrSha1Update is returned when feeding the image id digest fails.
	// crypto/sha1 never fails its Write, but the hash.Hash contract allows
	// it, so the path stays checked.
	ErrSha1Update = errors.New("failed to update SHA1 hash")
)
