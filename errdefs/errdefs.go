// Package errdefs defines the error types shared by the manifest database
// components. Errors are classified by wrapping the containerd errdefs
// sentinels so that callers can branch on the class of a failure
// (IsNotFound, IsConflict, ...) without depending on the concrete type,
// while the concrete types carry the digest/path context needed to report
// a violation precisely.
package errdefs

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
)

// IntegrityError reports that two different byte sequences claim the same
// digest, or that stored content no longer matches the digest it is filed
// under. It is fatal and never auto-resolved.
type IntegrityError struct {
	Digest digest.Digest
	Path   string
}

func (e *IntegrityError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("integrity violation: content at %s does not match %s", e.Path, e.Digest)
	}
	return fmt.Sprintf("integrity violation: conflicting content for %s", e.Digest)
}

func (e *IntegrityError) Unwrap() error { return cerrdefs.ErrConflict }

// DanglingError reports a tag whose target digest is not present in the
// checksum store.
type DanglingError struct {
	Path   string
	Digest digest.Digest
}

func (e *DanglingError) Error() string {
	return fmt.Sprintf("dangling reference: %s points to missing %s", e.Path, e.Digest)
}

func (e *DanglingError) Unwrap() error { return cerrdefs.ErrFailedPrecondition }

// FetchError reports a failed source download. Fetches are not retried
// internally; the caller decides whether the cause is transient.
type FetchError struct {
	Source string
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s from %s: %v", e.Source, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PublishError reports that the remote cache rejected a publish. The cause
// carries the class: a conflict when the tag already exists with different
// content, otherwise the transport failure.
type PublishError struct {
	Tag string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing %s: %v", e.Tag, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// NotFound marks err as a not-found condition.
func NotFound(err error) error {
	if err == nil || IsNotFound(err) {
		return err
	}
	return classified{err, cerrdefs.ErrNotFound}
}

// InvalidParameter marks err as caused by an invalid input.
func InvalidParameter(err error) error {
	if err == nil || IsInvalidParameter(err) {
		return err
	}
	return classified{err, cerrdefs.ErrInvalidArgument}
}

// Conflict marks err as a conflict with existing state.
func Conflict(err error) error {
	if err == nil || IsConflict(err) {
		return err
	}
	return classified{err, cerrdefs.ErrConflict}
}

// Unavailable marks err as a transient transport condition.
func Unavailable(err error) error {
	if err == nil || IsUnavailable(err) {
		return err
	}
	return classified{err, cerrdefs.ErrUnavailable}
}

// FailedPrecondition marks err as an operation attempted against state
// that does not allow it.
func FailedPrecondition(err error) error {
	if err == nil || IsFailedPrecondition(err) {
		return err
	}
	return classified{err, cerrdefs.ErrFailedPrecondition}
}

type classified struct {
	error
	class error
}

func (e classified) Unwrap() []error { return []error{e.error, e.class} }

// IsNotFound returns true if err is classified as not found.
func IsNotFound(err error) bool { return cerrdefs.IsNotFound(err) }

// IsConflict returns true if err is classified as a conflict. Integrity
// violations are conflicts.
func IsConflict(err error) bool { return cerrdefs.IsConflict(err) }

// IsInvalidParameter returns true if err is classified as an invalid input.
func IsInvalidParameter(err error) bool { return cerrdefs.IsInvalidArgument(err) }

// IsUnavailable returns true if err is classified as transient.
func IsUnavailable(err error) bool { return cerrdefs.IsUnavailable(err) }

// IsFailedPrecondition returns true if err is classified as a failed
// precondition. Dangling references are failed preconditions.
func IsFailedPrecondition(err error) bool { return cerrdefs.IsFailedPrecondition(err) }

// IsIntegrity returns true if err is or wraps an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsDangling returns true if err is or wraps a DanglingError.
func IsDangling(err error) bool {
	var de *DanglingError
	return errors.As(err, &de)
}

// IsFetch returns true if err is or wraps a FetchError.
func IsFetch(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// IsPublish returns true if err is or wraps a PublishError.
func IsPublish(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe)
}
