package orchestrator

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a status change is not one of the
// edges in the transition table.
var ErrIllegalTransition = errors.New("illegal status transition")

// Status is the lifecycle state of a driver record.
type Status int

const (
	Unknown Status = iota
	NotInstalled
	UpToDate
	OutOfDate
	Downloading
	Downloaded
	Validating
	Installing
	Installed
	Uninstalling
	Failed
	Canceled
)

var statusNames = [...]string{
	Unknown:      "unknown",
	NotInstalled: "not_installed",
	UpToDate:     "up_to_date",
	OutOfDate:    "out_of_date",
	Downloading:  "downloading",
	Downloaded:   "downloaded",
	Validating:   "validating",
	Installing:   "installing",
	Installed:    "installed",
	Uninstalling: "uninstalling",
	Failed:       "failed",
	Canceled:     "canceled",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Busy reports whether the record is mid-pipeline.
func (s Status) Busy() bool {
	switch s {
	case Downloading, Downloaded, Validating, Installing, Uninstalling:
		return true
	}
	return false
}

// Classified reports whether s is one of the classification results.
func (s Status) Classified() bool {
	return s == NotInstalled || s == UpToDate || s == OutOfDate
}

// resting states accept a fresh classification.
func (s Status) resting() bool {
	switch s {
	case NotInstalled, UpToDate, OutOfDate, Installed, Failed, Canceled:
		return true
	}
	return false
}

var edges = map[Status][]Status{
	Unknown:      {NotInstalled, UpToDate, OutOfDate, Failed},
	NotInstalled: {Downloading},
	UpToDate:     {Uninstalling},
	OutOfDate:    {Downloading, Uninstalling},
	Downloading:  {Downloaded, Failed, Canceled},
	Downloaded:   {Validating},
	Validating:   {Installing, Failed},
	Installing:   {Installed, Failed},
	Installed:    {Uninstalling},
	Uninstalling: {NotInstalled, Failed},
}

// CanTransition reports whether from -> to is a legal edge. Resting states
// may additionally move to any classification result, and a failed record
// may fail classification again.
func CanTransition(from, to Status) bool {
	if from.resting() && to.Classified() {
		return true
	}
	if from == Failed && to == Failed {
		return true
	}
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
