package importjob

import gerrors "github.com/go-faster/errors"

var (
	ErrNotFound          = gerrors.New("import job not found")
	ErrInvalidTransition = gerrors.New("invalid import job status transition")
)
