package pkgfmt

import (
	"archive/tar"
	"bufio"
	"errors"
	"io"
	"path"
	"strings"
)

const maxControlSize = 1 << 20

var signatureMembers = map[string]bool{
	"_gpgorigin":  true,
	"_gpgbuilder": true,
	"_gpgmaint":   true,
}

func inspectDeb(r io.ReaderAt, size int64) (*Info, error) {
	members, err := readAr(r, size)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 || members[0].Name != "debian-binary" {
		return nil, corrupt("first member must be debian-binary")
	}
	ver := make([]byte, 4)
	if _, err := io.ReadFull(members[0].Data, ver); err != nil || !strings.HasPrefix(string(ver), "2.") {
		return nil, corrupt("unsupported debian-binary version %q", ver)
	}

	info := &Info{Format: FormatDeb}
	var control, data *arMember
	for i := range members {
		m := &members[i]
		switch {
		case strings.HasPrefix(m.Name, "control.tar"):
			control = m
		case strings.HasPrefix(m.Name, "data.tar"):
			data = m
		case signatureMembers[m.Name]:
			info.Signed = true
		}
	}
	if control == nil {
		return nil, corrupt("missing control.tar member")
	}
	if data == nil {
		return nil, corrupt("missing data.tar member")
	}

	fields, err := readControl(control)
	if err != nil {
		return nil, err
	}
	info.Package = fields["Package"]
	info.Version = fields["Version"]
	info.Architecture = fields["Architecture"]
	info.Section = fields["Section"]
	info.Depends = fields["Depends"]
	if info.Package == "" || info.Version == "" || info.Architecture == "" {
		return nil, corrupt("control file lacks Package, Version or Architecture")
	}

	if info.DriverFiles, err = scanPayload(data); err != nil {
		return nil, err
	}
	return info, nil
}

func readControl(m *arMember) (map[string]string, error) {
	zr, done, err := decompressByName(m.Name, m.Data)
	if err != nil {
		return nil, corrupt("%s: %v", m.Name, err)
	}
	defer done()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, corrupt("%s has no control file", m.Name)
		}
		if err != nil {
			return nil, corrupt("%s: %v", m.Name, err)
		}
		if cleanEntry(hdr.Name) != "control" {
			continue
		}
		return parseControl(io.LimitReader(tr, maxControlSize))
	}
}

// parseControl reads deb822 fields. Continuation lines are folded into the
// previous field.
func parseControl(r io.Reader) (map[string]string, error) {
	fields := make(map[string]string)
	var last string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if last != "" {
				fields[last] += "\n" + strings.TrimSpace(line)
			}
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, corrupt("malformed control line %q", line)
		}
		last = strings.TrimSpace(k)
		fields[last] = strings.TrimSpace(v)
	}
	if err := sc.Err(); err != nil {
		return nil, corrupt("control: %v", err)
	}
	return fields, nil
}

func scanPayload(m *arMember) ([]string, error) {
	zr, done, err := decompressByName(m.Name, m.Data)
	if err != nil {
		return nil, corrupt("%s: %v", m.Name, err)
	}
	defer done()

	var found []string
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return found, nil
		}
		if err != nil {
			return nil, corrupt("%s: %v", m.Name, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if name := cleanEntry(hdr.Name); IsDriverPayload(name) {
			found = append(found, name)
		}
	}
}

// IsDriverPayload reports whether a path inside a package is driver
// content: kernel modules, DKMS sources, firmware, printer or scanner
// drivers.
func IsDriverPayload(name string) bool {
	name = cleanEntry(name)
	base := path.Base(name)
	switch {
	case IsCandidate(base) && !strings.HasSuffix(base, ".deb"):
		return true
	case base == "dkms.conf" && strings.HasPrefix(name, "usr/src/"):
		return true
	case strings.HasPrefix(name, "lib/firmware/"), strings.HasPrefix(name, "usr/lib/firmware/"):
		return true
	case strings.HasSuffix(base, ".ppd"), strings.HasSuffix(base, ".ppd.gz"),
		strings.HasPrefix(name, "usr/share/ppd/"),
		strings.HasPrefix(name, "usr/lib/cups/filter/"),
		strings.HasPrefix(name, "usr/lib/cups/backend/"):
		return true
	case strings.HasPrefix(base, "libsane-") && strings.Contains(name, "/sane/"),
		strings.HasPrefix(name, "etc/sane.d/"):
		return true
	}
	return false
}

func cleanEntry(name string) string {
	name = strings.TrimPrefix(name, "./")
	return strings.TrimPrefix(name, "/")
}
