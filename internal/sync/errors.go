package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncBusy is returned when a round is requested while another one runs
	ErrSyncBusy = errors.New("sync already running")

	// ErrTransport matches every *TransportError
	ErrTransport = errors.New("transport failure")

	// ErrRejected is returned when the server refuses a request as a whole
	// (bad license, malformed request). Retrying as-is will not help.
	ErrRejected = errors.New("request rejected by server")

	// ErrLedgerCorruption matches every *LedgerCorruptionError
	ErrLedgerCorruption = errors.New("ledger corruption")

	// ErrQuarantined is returned for entity types blocked after a ledger
	// corruption until they are reset
	ErrQuarantined = errors.New("entity type quarantined")

	// ErrConflictClosed is returned when resolving a report that is no
	// longer pending
	ErrConflictClosed = errors.New("conflict already resolved")
)

// TransportError is a timeout or connectivity failure. The batch or page in
// flight was not applied and can be retried as-is.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) match
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// LedgerCorruptionError means the ledger or journal of one entity type could
// not be read. Syncing that type must stop until it is reset.
type LedgerCorruptionError struct {
	EntityType EntityType
	Err        error
}

func (e *LedgerCorruptionError) Error() string {
	return fmt.Sprintf("ledger corruption for %s: %v", e.EntityType, e.Err)
}

func (e *LedgerCorruptionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrLedgerCorruption) match
func (e *LedgerCorruptionError) Is(target error) bool { return target == ErrLedgerCorruption }

// ItemConflict is a server-side version mismatch for one pushed entity, or a
// remote change that arrived while a local edit was still pending
type ItemConflict struct {
	EntityType    EntityType
	EntityID      string
	ServerVersion int64
	Message       string
}

func (e *ItemConflict) Error() string {
	return fmt.Sprintf("conflict on %s:%s (server version %d): %s", e.EntityType, e.EntityID, e.ServerVersion, e.Message)
}

// ItemError is a server rejection of one pushed entity for a domain reason
type ItemError struct {
	EntityType EntityType
	EntityID   string
	Message    string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("server rejected %s:%s: %s", e.EntityType, e.EntityID, e.Message)
}

// ItemIssue converts a non-ok push result into its error form, or nil for ok
func ItemIssue(r PushResult) error {
	switch r.Status {
	case StatusConflict:
		return &ItemConflict{EntityType: r.EntityType, EntityID: r.EntityID, ServerVersion: r.ServerVersion, Message: r.MessageText()}
	case StatusError:
		return &ItemError{EntityType: r.EntityType, EntityID: r.EntityID, Message: r.MessageText()}
	default:
		return nil
	}
}
