package compose

import "fmt"

// FetchError reports an image or attachment that could not be resolved. It
// only ever degrades the message; the part is dropped and the send goes on.
type FetchError struct {
	Source string
	Kind   SourceKind
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %q: %v", e.Kind, truncate(e.Source, 120), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
