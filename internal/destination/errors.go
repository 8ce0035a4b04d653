package destination

import "fmt"

// DirectoryError is returned when the destination folder cannot be resolved:
// it does not exist, or the name matches something that is not a folder.
type DirectoryError struct {
	DirectoryName string
	Reason        string
	Err           error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory error for '%s': %s", e.DirectoryName, e.Reason)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// NetworkError is a failed call to a remote destination API.
type NetworkError struct {
	Operation  string // e.g. "search_folder", "upload_file"
	APIMessage string
	Err        error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
