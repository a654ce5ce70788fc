package grain

import "errors"

// asBackendError is errors.As for *BackendError, kept as a named helper so
// call sites read the same way the rest of the taxonomy's Is/Get helpers do.
func asBackendError(err error, target **BackendError) bool {
	return errors.As(err, target)
}

// classifyBackendError maps a backend failure onto the error taxonomy
// (§7). Backends that don't wrap their errors in *BackendError are treated
// conservatively as fatal, since the core can't tell whether retrying
// would help.
func classifyBackendError(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if !asBackendError(err, &be) {
		return &FatalBackendError{GrainStoreError{Op: op, Err: err}}
	}
	switch be.Kind {
	case BackendErrPreconditionFailed:
		return &ConcurrencyConflictError{GrainStoreError: GrainStoreError{Op: op, Err: err}}
	case BackendErrConflict:
		// Two writers racing to create the projection row is a CAS loss, not
		// a duplicate event.
		if be.RowKey == projectionRowKey {
			return &ConcurrencyConflictError{GrainStoreError: GrainStoreError{Op: op, Err: err}}
		}
		return &DuplicateEventError{GrainStoreError: GrainStoreError{Op: op, Err: err}}
	case BackendErrTransient:
		return &TransientBackendError{GrainStoreError{Op: op, Err: err}}
	case BackendErrNotFound:
		return err
	default:
		return &FatalBackendError{GrainStoreError{Op: op, Err: err}}
	}
}
