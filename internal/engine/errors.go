package engine

import "errors"

// ErrPermissionDenied names the case where the policy resolves to deny (or
// ask with no resolver available). Run does not return or wrap it: the
// denial is folded into the transcript as a "Permission <decision> for
// <tool>" tool-role message.
var ErrPermissionDenied = errors.New("engine: permission denied")

// ErrModelTimeout classifies a transport failure whose message contains
// "timeout".
var ErrModelTimeout = errors.New("engine: model timed out")

// ErrCancelled classifies a transport failure whose message contains
// "cancel".
var ErrCancelled = errors.New("engine: run cancelled")
