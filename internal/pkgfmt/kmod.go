package pkgfmt

import (
	"bytes"
	"debug/elf"
	"io"
	"strings"
)

// ModuleSignatureMarker terminates a signed kernel module.
const ModuleSignatureMarker = "~Module signature appended~\n"

const maxModuleSize = 512 << 20

func inspectModule(r io.Reader, name string) (*Info, error) {
	zr, done, err := decompressSniff(r)
	if err != nil {
		return nil, corrupt("%s: %v", name, err)
	}
	defer done()

	raw, err := io.ReadAll(io.LimitReader(zr, maxModuleSize+1))
	if err != nil {
		return nil, corrupt("%s: %v", name, err)
	}
	if len(raw) > maxModuleSize {
		return nil, corrupt("%s: module exceeds %d bytes", name, maxModuleSize)
	}
	if !bytes.HasPrefix(raw, elfMagic) {
		return nil, corrupt("%s: compressed payload is not an ELF object", name)
	}

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, corrupt("%s: %v", name, err)
	}
	defer f.Close()

	info := &Info{
		Format:       FormatKernelModule,
		Architecture: machineArch(f),
		Signed:       bytes.HasSuffix(raw, []byte(ModuleSignatureMarker)),
	}

	sec := f.Section(".modinfo")
	if sec == nil || f.Type != elf.ET_REL {
		// A valid ELF object that is not a loadable module.
		return info, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, corrupt("%s: read .modinfo: %v", name, err)
	}
	for _, kv := range bytes.Split(data, []byte{0}) {
		k, v, ok := strings.Cut(string(kv), "=")
		if !ok {
			continue
		}
		switch k {
		case "name":
			info.Package = v
		case "version":
			info.Version = v
		case "depends":
			info.Depends = v
		}
	}
	if info.Package == "" {
		info.Package = moduleBaseName(name)
	}
	info.DriverFiles = []string{name}
	return info, nil
}

func moduleBaseName(name string) string {
	if i := strings.Index(name, ".ko"); i > 0 {
		return name[:i]
	}
	return name
}

func machineArch(f *elf.File) string {
	switch f.Machine {
	case elf.EM_X86_64:
		return "amd64"
	case elf.EM_AARCH64:
		return "arm64"
	case elf.EM_386:
		return "i386"
	case elf.EM_ARM:
		return "armhf"
	case elf.EM_PPC64:
		if f.Data == elf.ELFDATA2LSB {
			return "ppc64el"
		}
		return "ppc64"
	case elf.EM_S390:
		return "s390x"
	case elf.EM_RISCV:
		return "riscv64"
	case elf.EM_MIPS:
		if f.Class == elf.ELFCLASS64 {
			return "mips64el"
		}
		return "mipsel"
	case elf.EM_LOONGARCH:
		return "loong64"
	}
	return strings.ToLower(strings.TrimPrefix(f.Machine.String(), "EM_"))
}
