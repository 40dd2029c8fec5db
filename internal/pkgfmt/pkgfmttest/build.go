// Package pkgfmttest builds small but well-formed driver packages for tests.
package pkgfmttest

import (
	"archive/tar"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Deb describes a Debian package to build.
type Deb struct {
	Package      string
	Version      string
	Architecture string
	Section      string
	// Files maps data.tar paths to contents.
	Files map[string]string
	// Signed adds a _gpgorigin member.
	Signed bool
	// Compression of control.tar and data.tar: "gz" (default), "xz", "zst"
	// or "none".
	Compression string
}

// DriverDeb returns a signed amd64 package carrying one kernel module.
func DriverDeb(name, version string) Deb {
	return Deb{
		Package:      name,
		Version:      version,
		Architecture: "amd64",
		Section:      "kernel",
		Signed:       true,
		Files: map[string]string{
			"./lib/modules/6.1.0/updates/" + name + ".ko": "\x7fELF module bytes",
			"./usr/share/doc/" + name + "/changelog":      "initial release",
		},
	}
}

// Build renders the package as .deb bytes.
func (d Deb) Build() []byte {
	ext, compress := compressor(d.Compression)

	control := fmt.Sprintf("Package: %s\nVersion: %s\nArchitecture: %s\nMaintainer: Driver Team <drivers@example.com>\nDescription: test driver\n",
		d.Package, d.Version, d.Architecture)
	if d.Section != "" {
		control += "Section: " + d.Section + "\n"
	}
	controlTar := tarball(map[string]string{"./control": control})
	dataTar := tarball(d.Files)

	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	arMember(&buf, "debian-binary", []byte("2.0\n"))
	arMember(&buf, "control.tar"+ext, compress(controlTar))
	arMember(&buf, "data.tar"+ext, compress(dataTar))
	if d.Signed {
		arMember(&buf, "_gpgorigin", []byte("-----BEGIN PGP SIGNATURE-----\ntest\n-----END PGP SIGNATURE-----\n"))
	}
	return buf.Bytes()
}

func compressor(kind string) (string, func([]byte) []byte) {
	switch kind {
	case "xz":
		return ".xz", func(b []byte) []byte {
			var out bytes.Buffer
			w, err := xz.NewWriter(&out)
			must(err)
			_, err = w.Write(b)
			must(err)
			must(w.Close())
			return out.Bytes()
		}
	case "zst":
		return ".zst", func(b []byte) []byte {
			enc, err := zstd.NewWriter(nil)
			must(err)
			defer enc.Close()
			return enc.EncodeAll(b, nil)
		}
	case "none":
		return "", func(b []byte) []byte { return b }
	}
	return ".gz", Gzip
}

// Gzip compresses b.
func Gzip(b []byte) []byte {
	var out bytes.Buffer
	w := gzip.NewWriter(&out)
	_, err := w.Write(b)
	must(err)
	must(w.Close())
	return out.Bytes()
}

func tarball(files map[string]string) []byte {
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, n := range names {
		body := files[n]
		must(tw.WriteHeader(&tar.Header{Name: n, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := io.WriteString(tw, body)
		must(err)
	}
	must(tw.Close())
	return buf.Bytes()
}

func arMember(buf *bytes.Buffer, name string, data []byte) {
	fmt.Fprintf(buf, "%-16s%-12d%-6d%-6d%-8o%-10d`\n", name, 0, 0, 0, 0o644, len(data))
	buf.Write(data)
	if len(data)%2 == 1 {
		buf.WriteByte('\n')
	}
}

// Module describes an ELF64 little-endian relocatable kernel module.
type Module struct {
	Name    string
	Version string
	Machine elf.Machine
	Signed  bool
	// NoModinfo omits the .modinfo section.
	NoModinfo bool
}

// Build renders the module as ELF bytes.
func (m Module) Build() []byte {
	if m.Machine == 0 {
		m.Machine = elf.EM_X86_64
	}
	var modinfo []byte
	if !m.NoModinfo {
		fields := []string{"license=GPL", "name=" + m.Name, "vermagic=6.1.0 SMP mod_unload"}
		if m.Version != "" {
			fields = append(fields, "version="+m.Version)
		}
		modinfo = []byte(strings.Join(fields, "\x00") + "\x00")
	}
	shstrtab := []byte("\x00.modinfo\x00.shstrtab\x00")

	const ehdrSize, shdrSize = 64, 64
	modOff := uint64(ehdrSize)
	strOff := modOff + uint64(len(modinfo))
	shOff := (strOff + uint64(len(shstrtab)) + 7) &^ 7

	le := binary.LittleEndian
	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	buf.Write(ident[:])
	binary.Write(&buf, le, uint16(elf.ET_REL))
	binary.Write(&buf, le, uint16(m.Machine))
	binary.Write(&buf, le, uint32(elf.EV_CURRENT))
	binary.Write(&buf, le, uint64(0)) // entry
	binary.Write(&buf, le, uint64(0)) // phoff
	binary.Write(&buf, le, shOff)
	binary.Write(&buf, le, uint32(0)) // flags
	binary.Write(&buf, le, uint16(ehdrSize))
	binary.Write(&buf, le, uint16(0)) // phentsize
	binary.Write(&buf, le, uint16(0)) // phnum
	binary.Write(&buf, le, uint16(shdrSize))
	binary.Write(&buf, le, uint16(3)) // shnum
	binary.Write(&buf, le, uint16(2)) // shstrndx

	buf.Write(modinfo)
	buf.Write(shstrtab)
	for uint64(buf.Len()) < shOff {
		buf.WriteByte(0)
	}

	section := func(name, typ uint32, flags, off, size uint64) {
		binary.Write(&buf, le, name)
		binary.Write(&buf, le, typ)
		binary.Write(&buf, le, flags)
		binary.Write(&buf, le, uint64(0)) // addr
		binary.Write(&buf, le, off)
		binary.Write(&buf, le, size)
		binary.Write(&buf, le, uint32(0)) // link
		binary.Write(&buf, le, uint32(0)) // info
		binary.Write(&buf, le, uint64(1)) // addralign
		binary.Write(&buf, le, uint64(0)) // entsize
	}
	section(0, 0, 0, 0, 0)
	modName := uint32(1)
	if m.NoModinfo {
		// Keep the section table shape but give it a neutral name.
		modName = 0
	}
	section(modName, uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC), modOff, uint64(len(modinfo)))
	section(10, uint32(elf.SHT_STRTAB), 0, strOff, uint64(len(shstrtab)))

	if m.Signed {
		buf.WriteString("\x00\x00\x00\x00signature-blob")
		buf.WriteString("~Module signature appended~\n")
	}
	return buf.Bytes()
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
