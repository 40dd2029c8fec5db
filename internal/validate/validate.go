// Package validate decides whether a downloaded package may be installed.
package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/breeze-rmm/drivermgr/internal/drverr"
	"github.com/breeze-rmm/drivermgr/internal/metrics"
	"github.com/breeze-rmm/drivermgr/internal/pkgfmt"
	"github.com/breeze-rmm/drivermgr/internal/repository"
)

// Verdict is the validator's decision.
type Verdict int

const (
	Valid Verdict = iota
	BrokenPackage
	ArchitectureMismatch
	NotADriver
	MissingSignature
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case BrokenPackage:
		return "broken_package"
	case ArchitectureMismatch:
		return "architecture_mismatch"
	case NotADriver:
		return "not_a_driver"
	case MissingSignature:
		return "missing_signature"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Kind maps a rejection onto the shared error taxonomy. Valid maps to None.
func (v Verdict) Kind() drverr.Kind {
	switch v {
	case BrokenPackage:
		return drverr.BrokenPackage
	case ArchitectureMismatch:
		return drverr.ArchitectureMismatch
	case NotADriver:
		return drverr.NotADriver
	case MissingSignature:
		return drverr.MissingSignature
	}
	return drverr.None
}

// Report explains a verdict.
type Report struct {
	Verdict Verdict
	Detail  string
	Info    *pkgfmt.Info
}

// Err returns nil for Valid, otherwise a *drverr.Error.
func (r Report) Err() error {
	if r.Verdict == Valid {
		return nil
	}
	return drverr.E(r.Verdict.Kind(), "validate", errors.New(r.Detail))
}

// Validator checks packages against the host. It holds no mutable state:
// the same file and descriptor always produce the same report.
type Validator struct {
	// Arch is the host's Debian architecture name.
	Arch string
	// RequireSignature rejects packages without a signature.
	RequireSignature bool
}

// Validate runs the checks in order: broken, not a driver, architecture,
// signature. The first failure decides the verdict.
func (v *Validator) Validate(desc repository.Descriptor, path string) Report {
	r := v.check(desc, path)
	metrics.Validations.WithLabelValues(r.Verdict.String()).Inc()
	return r
}

func (v *Validator) check(desc repository.Descriptor, path string) Report {
	st, err := os.Stat(path)
	if err != nil {
		return Report{Verdict: BrokenPackage, Detail: err.Error()}
	}
	if desc.SizeBytes > 0 && st.Size() != desc.SizeBytes {
		return Report{Verdict: BrokenPackage, Detail: fmt.Sprintf("size %d does not match declared %d", st.Size(), desc.SizeBytes)}
	}
	if desc.SHA256 != "" {
		sum, err := fileSHA256(path)
		if err != nil {
			return Report{Verdict: BrokenPackage, Detail: err.Error()}
		}
		if !strings.EqualFold(sum, desc.SHA256) {
			return Report{Verdict: BrokenPackage, Detail: fmt.Sprintf("sha256 %s does not match declared %s", sum, desc.SHA256)}
		}
	}

	info, err := pkgfmt.Inspect(path)
	switch {
	case errors.Is(err, pkgfmt.ErrUnrecognized):
		return Report{Verdict: NotADriver, Detail: err.Error()}
	case err != nil:
		return Report{Verdict: BrokenPackage, Detail: err.Error()}
	}

	if !info.IsDriver() {
		return Report{Verdict: NotADriver, Detail: fmt.Sprintf("%s carries no driver payload", describe(info, desc)), Info: info}
	}

	if !repository.ArchCompatible(info.Architecture, v.Arch) {
		return Report{Verdict: ArchitectureMismatch, Detail: fmt.Sprintf("package architecture %s, host %s", info.Architecture, v.Arch), Info: info}
	}
	if desc.Architecture != "" && !repository.ArchCompatible(desc.Architecture, v.Arch) {
		return Report{Verdict: ArchitectureMismatch, Detail: fmt.Sprintf("declared architecture %s, host %s", desc.Architecture, v.Arch), Info: info}
	}

	if !info.Signed {
		if v.RequireSignature {
			return Report{Verdict: MissingSignature, Detail: "package has no digital signature", Info: info}
		}
		if desc.Signed != nil && *desc.Signed {
			return Report{Verdict: MissingSignature, Detail: "repository declares a signature but the package has none", Info: info}
		}
	}
	return Report{Verdict: Valid, Info: info}
}

func describe(info *pkgfmt.Info, desc repository.Descriptor) string {
	if info.Package != "" {
		return info.Package
	}
	return desc.Name
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
