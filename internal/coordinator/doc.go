// Package coordinator centralizes fetching from one data source for many
// consumers.
//
// A Coordinator runs a single fetch function, at most one call at a time,
// either on a fixed interval while listeners are attached or on demand
// through a debouncer. After every refresh it records the outcome and
// notifies all listeners in registration order. Pushed data can be stored
// with SetUpdatedData, which skips the fetch entirely.
//
// Fetch functions classify their failures by wrapping errors with the
// helpers in this package, for example:
//
//	if resp.StatusCode == http.StatusUnauthorized {
//		return nil, coordinator.AuthFailed(errors.New("token rejected"))
//	}
//
// An authentication failure stops polling until the owner re-authenticates.
// Errors the classifier does not recognize, and panics, are unexpected and
// always logged with a stack trace.
package coordinator
