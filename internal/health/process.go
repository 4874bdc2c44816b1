package health

import (
	"context"
	"errors"
)

// ErrProcessDead is the error of a liveness signal whose process is gone.
var ErrProcessDead = errors.New("process not running")

// Detector determines whether a process is running. It must be safe for
// concurrent use.
type Detector interface {
	Alive() (bool, error)
	Describe() string
}

// Process is the hard liveness check.
type Process struct {
	CheckName string
	Detector  Detector
}

func (p Process) Name() string {
	if p.CheckName == "" {
		return "process"
	}
	return p.CheckName
}

func (Process) Kind() Kind { return KindProcess }

func (p Process) Probe(_ context.Context) (string, error) {
	if p.Detector == nil {
		return "", ErrProcessDead
	}
	ok, err := p.Detector.Alive()
	if err != nil {
		return p.Detector.Describe(), err
	}
	if !ok {
		return p.Detector.Describe(), ErrProcessDead
	}
	return p.Detector.Describe(), nil
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc struct {
	Fn   func() bool
	Desc string
}

func (d DetectorFunc) Alive() (bool, error) { return d.Fn(), nil }
func (d DetectorFunc) Describe() string     { return d.Desc }
