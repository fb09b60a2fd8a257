package inbox

import "fmt"

type NoTopicError struct {
	File string
}

func (e *NoTopicError) Error() string {
	return fmt.Sprintf("file %s has no topic", e.File)
}

type EmptyFileError struct {
	File string
}

func (e *EmptyFileError) Error() string {
	return fmt.Sprintf("file %s is empty after retries", e.File)
}

// PublishError reports the topics of a ping file the hub refused.
type PublishError struct {
	File string
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("file %s: %v", e.File, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
