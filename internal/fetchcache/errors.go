package fetchcache

import "fmt"

// TransientFetchError is one failed attempt of a retried package fetch.
type TransientFetchError struct {
	Key     Key
	Attempt int
	Err     error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetching %s (attempt %d): %v", e.Key, e.Attempt, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// FatalFetchError ends the fetch of a key. For packages it is raised once
// the retries are exhausted; for every other class on the first failure.
type FatalFetchError struct {
	Key      Key
	Attempts int
	Err      error
}

func (e *FatalFetchError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("fetching %s failed after %d attempts: %v", e.Key, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetching %s failed: %v", e.Key, e.Err)
}

func (e *FatalFetchError) Unwrap() error { return e.Err }
