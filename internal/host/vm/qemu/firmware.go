//go:build linux

package qemu

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// EfiMachine is the machine family the firmware targets.
type EfiMachine string

const (
	MachineQ35    EfiMachine = "q35"
	MachineQ35TDX EfiMachine = "q35-tdx"
)

// EfiVariant selects the OVMF build flavor.
type EfiVariant string

const (
	VariantDefault  EfiVariant = ""
	VariantMS       EfiVariant = "ms"
	VariantSecBoot  EfiVariant = "secboot"
	VariantSnakeOil EfiVariant = "snakeoil"
)

// FlashSize selects the pflash image size.
type FlashSize string

const (
	FlashSizeDefault FlashSize = "default"
	FlashSize4M      FlashSize = "4M"
)

const (
	defaultBIOSPath = "/usr/share/ovmf/OVMF.fd"
	ovmfDir         = "/usr/share/OVMF"
)

// ParseEfiMachine maps a user-supplied name onto the closed machine set.
func ParseEfiMachine(s string) (EfiMachine, error) {
	switch m := EfiMachine(s); m {
	case MachineQ35, MachineQ35TDX:
		return m, nil
	case "tdx":
		return MachineQ35TDX, nil
	}
	return "", configErrorf(KindMachine, "unknown machine %q", s)
}

func validMachine(m EfiMachine) bool {
	return m == MachineQ35 || m == MachineQ35TDX
}

func validVariant(v EfiVariant) bool {
	switch v {
	case VariantDefault, VariantMS, VariantSecBoot, VariantSnakeOil:
		return true
	}
	return false
}

func validFlashSize(s FlashSize) bool {
	return s == "" || s == FlashSizeDefault || s == FlashSize4M
}

// DefaultFlashPaths returns the packaged pflash code image and variable
// store template for a variant. Both sizes map to the 4M images, the only
// layout current OVMF packages ship.
func DefaultFlashPaths(variant EfiVariant, size FlashSize) (code, vars string, err error) {
	if !validVariant(variant) {
		return "", "", configErrorf(KindFirmware, "unknown variant %q", variant)
	}
	if !validFlashSize(size) {
		return "", "", configErrorf(KindFirmware, "unknown flash size %q", size)
	}
	const sizeExt = "_4M"
	switch variant {
	case VariantSecBoot:
		return fmt.Sprintf("%s/OVMF_CODE%s.secboot.fd", ovmfDir, sizeExt),
			fmt.Sprintf("%s/OVMF_VARS%s.fd", ovmfDir, sizeExt), nil
	case VariantSnakeOil:
		return fmt.Sprintf("%s/OVMF_CODE%s.snakeoil.fd", ovmfDir, sizeExt),
			fmt.Sprintf("%s/OVMF_VARS%s.snakeoil.fd", ovmfDir, sizeExt), nil
	default:
		return fmt.Sprintf("%s/OVMF_CODE%s.ms.fd", ovmfDir, sizeExt),
			fmt.Sprintf("%s/OVMF_VARS%s.fd", ovmfDir, sizeExt), nil
	}
}

// FirmwareFragment loads OVMF either as a monolithic BIOS blob or as a pair
// of pflash drives. In pflash mode the variable store template is copied
// once per fragment; the copy is reused by later renders and removed by
// Close.
type FirmwareFragment struct {
	Machine   EfiMachine
	Variant   EfiVariant
	FlashSize FlashSize

	// BIOS selects -bios mode. pflash cannot be combined with KVM on older
	// hosts, so it is the default.
	BIOS     bool
	BIOSPath string

	// CodePath and VarsTemplatePath override DefaultFlashPaths. An empty
	// VarsTemplatePath together with a CodePath renders the code drive only.
	CodePath         string
	VarsTemplatePath string

	// TempDir receives the variable store copy (os.TempDir when empty).
	TempDir string

	mu       sync.Mutex
	varsCopy string
}

// NewFirmware returns a BIOS-mode firmware fragment for machine.
func NewFirmware(machine EfiMachine) *FirmwareFragment {
	return &FirmwareFragment{
		Machine:   machine,
		FlashSize: FlashSize4M,
		BIOS:      true,
		BIOSPath:  defaultBIOSPath,
	}
}

func (*FirmwareFragment) Kind() FragmentKind { return KindFirmware }
func (*FirmwareFragment) fragment()          {}

// VarsCopyPath returns the materialized variable store, empty before the first pflash render.
func (f *FirmwareFragment) VarsCopyPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.varsCopy
}

func (f *FirmwareFragment) Render() ([]string, error) {
	if !validMachine(f.Machine) {
		return nil, configErrorf(KindFirmware, "unknown machine %q", f.Machine)
	}
	if !validVariant(f.Variant) {
		return nil, configErrorf(KindFirmware, "unknown variant %q", f.Variant)
	}
	if !validFlashSize(f.FlashSize) {
		return nil, configErrorf(KindFirmware, "unknown flash size %q", f.FlashSize)
	}

	b := newQemuCommandBuilder()
	if f.BIOS {
		path := f.BIOSPath
		if path == "" {
			path = defaultBIOSPath
		}
		return b.setBIOS(path).build(), nil
	}

	code, vars := f.CodePath, f.VarsTemplatePath
	if code == "" {
		defCode, defVars, err := DefaultFlashPaths(f.Variant, f.FlashSize)
		if err != nil {
			return nil, err
		}
		code = defCode
		if vars == "" {
			vars = defVars
		}
	}
	b.addPflash(code, 0, true)
	if vars == "" {
		return b.build(), nil
	}

	varsCopy, err := f.materializeVars(vars)
	if err != nil {
		return nil, err
	}
	return b.addPflash(varsCopy, 1, false).build(), nil
}

func (f *FirmwareFragment) materializeVars(template string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.varsCopy != "" {
		return f.varsCopy, nil
	}

	src, err := os.Open(template)
	if err != nil {
		return "", fmt.Errorf("open OVMF variable store template: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.CreateTemp(f.TempDir, "ovmf-vars-*.fd")
	if err != nil {
		return "", fmt.Errorf("create OVMF variable store: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(dst.Name())
		return "", fmt.Errorf("copy OVMF variable store: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dst.Name())
		return "", fmt.Errorf("close OVMF variable store: %w", err)
	}
	f.varsCopy = dst.Name()
	return f.varsCopy, nil
}

// Close removes the private variable store copy. Safe to call repeatedly.
func (f *FirmwareFragment) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.varsCopy == "" {
		return nil
	}
	err := os.Remove(f.varsCopy)
	f.varsCopy = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
