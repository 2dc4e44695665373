package reconcile

import "fmt"

// SourceError reports that the membership source could not produce the next
// page. Batches committed before the failure stay committed; the run is safe
// to retry.
type SourceError struct {
	GroupID int64
	Err     error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("membership source for group %d: %v", e.GroupID, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// StoreError reports a failed authorization lookup or batch write. Batch is
// the 1-based ordinal of the failing batch within the run and UserIDs is the
// batch's user set, for diagnostics.
type StoreError struct {
	ProjectID int64
	Batch     int
	UserIDs   []int64
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("authorization store, project %d batch %d (%d users): %v", e.ProjectID, e.Batch, len(e.UserIDs), e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
