// Package arch maps the CPU architectures a runtime image can target between
// the naming schemes used along the pipeline: GNU triplets (upstream release
// archives), OCI platforms (container engines), Rust target triples (cargo)
// and GOARCH (the host running nodebundle).
package arch

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sort"

	"github.com/alexandremahdhaoui/nodebundle/pkg/flaterrors"
)

// Arch describes one supported target architecture.
type Arch struct {
	// Triplet is the GNU triplet, e.g. "arm-linux-gnueabihf".
	Triplet string
	// Platform is the OCI platform, e.g. "linux/arm/v7".
	Platform string
	// RustTarget is the rustc target triple, e.g. "armv7-unknown-linux-gnueabihf".
	RustTarget string
	// GOARCH is the matching Go architecture name.
	GOARCH string

	machine   elf.Machine
	class     elf.Class
	byteOrder binary.ByteOrder
}

func (a Arch) String() string { return a.Triplet }

var known = []Arch{
	{
		Triplet: "x86_64-linux-gnu", Platform: "linux/amd64", RustTarget: "x86_64-unknown-linux-gnu", GOARCH: "amd64",
		machine: elf.EM_X86_64, class: elf.ELFCLASS64, byteOrder: binary.LittleEndian,
	},
	{
		Triplet: "aarch64-linux-gnu", Platform: "linux/arm64", RustTarget: "aarch64-unknown-linux-gnu", GOARCH: "arm64",
		machine: elf.EM_AARCH64, class: elf.ELFCLASS64, byteOrder: binary.LittleEndian,
	},
	{
		Triplet: "arm-linux-gnueabihf", Platform: "linux/arm/v7", RustTarget: "armv7-unknown-linux-gnueabihf", GOARCH: "arm",
		machine: elf.EM_ARM, class: elf.ELFCLASS32, byteOrder: binary.LittleEndian,
	},
	{
		Triplet: "riscv64-linux-gnu", Platform: "linux/riscv64", RustTarget: "riscv64gc-unknown-linux-gnu", GOARCH: "riscv64",
		machine: elf.EM_RISCV, class: elf.ELFCLASS64, byteOrder: binary.LittleEndian,
	},
	{
		Triplet: "powerpc64-linux-gnu", Platform: "linux/ppc64", RustTarget: "powerpc64-unknown-linux-gnu", GOARCH: "ppc64",
		machine: elf.EM_PPC64, class: elf.ELFCLASS64, byteOrder: binary.BigEndian,
	},
	{
		Triplet: "powerpc64le-linux-gnu", Platform: "linux/ppc64le", RustTarget: "powerpc64le-unknown-linux-gnu", GOARCH: "ppc64le",
		machine: elf.EM_PPC64, class: elf.ELFCLASS64, byteOrder: binary.LittleEndian,
	},
}

var (
	// ErrUnknownArch is returned for triplets or GOARCH values nodebundle cannot target.
	ErrUnknownArch = errors.New("unknown architecture")
	// ErrNotELF is returned by CheckELF when the file is not an ELF executable.
	ErrNotELF = errors.New("not an ELF executable")
)

// Parse returns the Arch for a GNU triplet.
func Parse(triplet string) (Arch, error) {
	for _, a := range known {
		if a.Triplet == triplet {
			return a, nil
		}
	}
	return Arch{}, flaterrors.Join(
		fmt.Errorf("triplet %q (supported: %v)", triplet, Triplets()),
		ErrUnknownArch,
	)
}

// FromGOARCH returns the Arch matching a Go architecture name.
func FromGOARCH(goarch string) (Arch, error) {
	for _, a := range known {
		if a.GOARCH == goarch {
			return a, nil
		}
	}
	return Arch{}, flaterrors.Join(fmt.Errorf("GOARCH %q", goarch), ErrUnknownArch)
}

// Host returns the Arch of the machine running this process.
func Host() (Arch, error) {
	return FromGOARCH(runtime.GOARCH)
}

// Triplets lists every supported GNU triplet, sorted.
func Triplets() []string {
	out := make([]string, 0, len(known))
	for _, a := range known {
		out = append(out, a.Triplet)
	}
	sort.Strings(out)
	return out
}

// MismatchError reports an executable built for another architecture.
// Such a binary fails with an exec format error when the container starts.
type MismatchError struct {
	Path string
	Want Arch
	Got  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: built for %s, runtime expects %s", e.Path, e.Got, e.Want.Triplet)
}

// CheckELF verifies that the file at path is an ELF executable for want.
func CheckELF(path string, want Arch) error {
	f, err := elf.Open(path)
	if err != nil {
		var formatErr *elf.FormatError
		if errors.As(err, &formatErr) {
			return flaterrors.Join(fmt.Errorf("%s: %s", path, formatErr.Error()), ErrNotELF)
		}
		return err
	}
	defer f.Close()

	if f.Machine == want.machine && f.Class == want.class && f.ByteOrder == want.byteOrder {
		return nil
	}

	return &MismatchError{
		Path: path,
		Want: want,
		Got:  describe(f.Machine, f.Class, f.ByteOrder),
	}
}

func describe(m elf.Machine, c elf.Class, bo binary.ByteOrder) string {
	for _, a := range known {
		if a.machine == m && a.class == c && a.byteOrder == bo {
			return a.Triplet
		}
	}
	return fmt.Sprintf("%s/%s/%s", m, c, bo)
}
