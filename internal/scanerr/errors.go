// Package scanerr defines the failure taxonomy shared by the identification
// pipeline. Components tag errors with one of the markers below so the scan
// controller can decide between entering the Error state and reporting a
// transient status while the loop keeps running.
package scanerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEngineLoad       = errors.New("engine load failed")
	ErrCameraAccess     = errors.New("camera access failed")
	ErrRecognitionEmpty = errors.New("no text recognized")
	ErrRetrieval        = errors.New("catalog retrieval failed")
	ErrCandidateFetch   = errors.New("candidate image fetch failed")
	ErrNoMatch          = errors.New("no match found")
)

// Wrap tags err with marker and prefixes it with component and operation
// context. A nil marker is treated as a retrieval failure.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrRetrieval
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsFatal reports whether err ends a scan session. Only engine load and
// camera access failures do; everything else is reported and retried on the
// next pass.
func IsFatal(err error) bool {
	return errors.Is(err, ErrEngineLoad) || errors.Is(err, ErrCameraAccess)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "pipeline failure"
	}
	return strings.Join(parts, ": ")
}
